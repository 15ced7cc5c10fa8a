package demo

import "matterhub/pkg/platform"

func init() {
	platform.Register(platform.Info{
		Name:        PluginName,
		Description: "Built-in virtual devices for demos and smoke tests",
		Type:        platform.DynamicPlatform,
		Priority:    platform.PriorityDefault,
		Factory:     New,
	})
}
