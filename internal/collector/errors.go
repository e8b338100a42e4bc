package collector

import (
	"errors"
	"fmt"
)

var (
	// ErrShutdownTimeout reports that a worker did not exit within its stop timeout.
	ErrShutdownTimeout = errors.New("shutdown timed out")

	// ErrAlreadyStarted is returned by Start on a running collector.
	ErrAlreadyStarted = errors.New("collector already started")
)

// ConfigError reports invalid collector configuration. It is returned from
// New and Start before any goroutine is launched.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
