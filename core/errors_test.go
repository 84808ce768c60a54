package core_test

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/Brhansenane/academy-control-panel/core"
)

// opError wraps without pkg/errors' Cause, like the messaging store errors.
type opError struct{ err error }

func (e *opError) Error() string { return "op: " + e.err.Error() }
func (e *opError) Unwrap() error { return e.err }

func TestIsShutdown(t *testing.T) {
	shutdownErr := core.NewShutdownError("schema missing")

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil"},
		{name: "other error", err: errors.New("lol")},
		{name: "shutdown", err: shutdownErr, want: true},
		{name: "wrapped", err: errors.Wrap(shutdownErr, "selecting conversations"), want: true},
		{name: "wrapped by fmt", err: fmt.Errorf("fetching: %w", shutdownErr), want: true},
		{name: "wrapped by an op error", err: errors.Wrap(&opError{errors.Wrap(shutdownErr, "x")}, "y"), want: true},
		{name: "validation error", err: core.NewValidationError(errors.New("invalid"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, core.IsShutdown(tt.err))
		})
	}
}
