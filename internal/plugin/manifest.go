package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"matterhub/pkg/platform"
)

// ManifestFile is the metadata file expected at the root of a plugin path.
const ManifestFile = "plugin.yaml"

// namePattern is the required plugin naming convention.
var namePattern = regexp.MustCompile(`^matterhub-[a-z0-9][a-z0-9-]*$`)

// Manifest is the declared identity of a plugin, read from plugin.yaml.
type Manifest struct {
	Name    string        `yaml:"name"`
	Version string        `yaml:"version"`
	Type    platform.Type `yaml:"type"`
	Entry   string        `yaml:"entry"`

	// Host compatibility range, inclusive. Empty means unconstrained.
	MinHostVersion string `yaml:"minHostVersion"`
	MaxHostVersion string `yaml:"maxHostVersion"`

	// Defaults is the plugin's default config document.
	Defaults platform.Config `yaml:"defaults"`
}

// ReadManifest loads and parses the manifest at path.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(path, ManifestFile))
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("read %s: %v", ManifestFile, err)}
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("parse %s: %v", ManifestFile, err)}
	}
	if m.Type == "" {
		m.Type = platform.AnyPlatform
	}
	return &m, nil
}

// Validate checks the manifest against the naming convention, the entry file
// and the host compatibility range.
func (m *Manifest) Validate(path, hostVersion string) error {
	if !namePattern.MatchString(m.Name) {
		return &ValidationError{Plugin: m.Name,
			Reason: "name must match matterhub-<lowercase-identifier>"}
	}
	if m.Version == "" || !semver.IsValid(canonVersion(m.Version)) {
		return &ValidationError{Plugin: m.Name,
			Reason: fmt.Sprintf("invalid version %q", m.Version)}
	}
	switch m.Type {
	case platform.AnyPlatform, platform.AccessoryPlatform, platform.DynamicPlatform:
	default:
		return &ValidationError{Plugin: m.Name,
			Reason: fmt.Sprintf("unknown platform type %q", m.Type)}
	}
	if m.Entry == "" {
		return &ValidationError{Plugin: m.Name, Reason: "missing entry file"}
	}
	if _, err := os.Stat(filepath.Join(path, m.Entry)); err != nil {
		return &ValidationError{Plugin: m.Name,
			Reason: fmt.Sprintf("entry file %q not found", m.Entry)}
	}

	host := canonVersion(hostVersion)
	if m.MinHostVersion != "" {
		min := canonVersion(m.MinHostVersion)
		if !semver.IsValid(min) {
			return &ValidationError{Plugin: m.Name,
				Reason: fmt.Sprintf("invalid minHostVersion %q", m.MinHostVersion)}
		}
		if semver.Compare(host, min) < 0 {
			return &ValidationError{Plugin: m.Name,
				Reason: fmt.Sprintf("requires host >= %s, running %s", m.MinHostVersion, hostVersion)}
		}
	}
	if m.MaxHostVersion != "" {
		max := canonVersion(m.MaxHostVersion)
		if !semver.IsValid(max) {
			return &ValidationError{Plugin: m.Name,
				Reason: fmt.Sprintf("invalid maxHostVersion %q", m.MaxHostVersion)}
		}
		if semver.Compare(host, max) > 0 {
			return &ValidationError{Plugin: m.Name,
				Reason: fmt.Sprintf("requires host <= %s, running %s", m.MaxHostVersion, hostVersion)}
		}
	}
	return nil
}

// canonVersion normalizes a version string to the v-prefixed form the semver
// package expects.
func canonVersion(v string) string {
	return "v" + strings.TrimPrefix(v, "v")
}
