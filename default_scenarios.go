package a2dpd

import "embed"

// DefaultScenarios contains the scenario files shipped with a2dpctl.
//
//go:embed scenarios/*.yaml
var DefaultScenarios embed.FS
