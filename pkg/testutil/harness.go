package testutil

import (
	"go.uber.org/zap"

	"matterhub/internal/fabric"
	"matterhub/pkg/platform"
)

// NewContext builds a platform context around a fake host and a mock
// composer, the environment a platform factory sees in unit tests.
func NewContext(host platform.Host, cfg platform.Config) *platform.Context {
	return &platform.Context{
		Host:        host,
		Composer:    &fabric.MockComposer{},
		Logger:      zap.NewNop(),
		Config:      cfg,
		HostVersion: "0.0.0-test",
	}
}
