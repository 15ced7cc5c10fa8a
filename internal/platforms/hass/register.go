package hass

import "matterhub/pkg/platform"

func init() {
	platform.Register(platform.Info{
		Name:        PluginName,
		Description: "Bridges Home Assistant entities over the WebSocket API",
		Type:        platform.DynamicPlatform,
		Priority:    platform.PriorityDefault,
		Factory:     New,
	})
}
