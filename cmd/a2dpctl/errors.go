package main

import (
	"errors"
	"fmt"

	"github.com/srg/a2dpd/internal/bluez"
	"github.com/srg/a2dpd/internal/scenario"
	"github.com/srg/a2dpd/internal/service"
	"github.com/srg/a2dpd/pkg/config"
)

// Command-level errors
var (
	// ErrUnknownScenario is returned when the argument is neither a file nor a built-in scenario.
	ErrUnknownScenario = errors.New("unknown scenario")

	// ErrScenarioFailed is returned by simulate when any scenario did not pass.
	ErrScenarioFailed = errors.New("scenario failed")
)

// FormatUserError turns internal errors into short, actionable messages.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, bluez.ErrBluezNotRunning):
		return "BlueZ is not available on the system bus; start bluetooth.service and retry"
	case errors.Is(err, config.ErrInvalidConfig):
		return fmt.Sprintf("configuration error: %v", err)
	case errors.Is(err, scenario.ErrInvalidScenario):
		return fmt.Sprintf("scenario error: %v", err)
	case errors.Is(err, ErrUnknownScenario):
		return fmt.Sprintf("%v (use 'a2dpctl simulate --list' to see built-in scenarios)", err)
	case errors.Is(err, service.ErrForbidden):
		return fmt.Sprintf("%v (set the device policy to allowed first)", err)
	case errors.Is(err, service.ErrTooManyConnections):
		return fmt.Sprintf("%v (raise max_connected_audio_devices or disconnect a sink)", err)
	}
	return err.Error()
}
