package platform

// Recognized config keys present in every plugin config document.
const (
	KeyName                 = "name"
	KeyType                 = "type"
	KeyVersion              = "version"
	KeyDebug                = "debug"
	KeyUnregisterOnShutdown = "unregisterOnShutdown"
)

// Config is the plugin configuration document: plugin defaults merged with
// the persisted document and runtime edits, later layers winning.
type Config map[string]interface{}

// Merge returns a new document with overlay applied on top of c.
func (c Config) Merge(overlay Config) Config {
	out := make(Config, len(c)+len(overlay))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy of the document.
func (c Config) Clone() Config {
	return Config{}.Merge(c)
}

// GetString returns the string value for key, or fallback.
func (c Config) GetString(key, fallback string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return fallback
}

// GetBool returns the bool value for key, or fallback.
func (c Config) GetBool(key string, fallback bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return fallback
}

// GetInt returns the integer value for key, or fallback. YAML and JSON
// decoders disagree on number types, so both int and float64 are accepted.
func (c Config) GetInt(key string, fallback int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

// UnregisterOnShutdown reports whether the plugin asked for its devices to be
// removed when it shuts down.
func (c Config) UnregisterOnShutdown() bool {
	return c.GetBool(KeyUnregisterOnShutdown, false)
}
