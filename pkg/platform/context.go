package platform

import (
	"go.uber.org/zap"

	"matterhub/internal/fabric"
)

// Context provides dependencies to a platform during instantiation. It wraps
// the services every plugin needs in a single struct for cleaner factory
// signatures.
type Context struct {
	// Host is the device registration handle for this plugin.
	Host Host

	// Composer builds ready endpoints for the plugin's device types.
	Composer fabric.Composer

	// Logger is a structured logger already namespaced to the plugin.
	Logger *zap.Logger

	// Config is the merged configuration document.
	Config Config

	// DataDir is a per-plugin directory for private persisted state.
	DataDir string

	// HostVersion is the running matterhub version, for feature gating.
	HostVersion string
}
