package commands

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrPermissionDenied reports that the invoker lacks the required role.
	ErrPermissionDenied = errors.New("commands: permission denied")
	// ErrInvalidArgument reports an unusable option value. No state is changed.
	ErrInvalidArgument = errors.New("commands: invalid argument")
)

const (
	notAdminMessage = "You are not an admin!"
	notOwnerMessage = "You are not the bot owner!"
)

var commandCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gifguard_commands_handled",
	Help: "Number of slash commands handled, by command and outcome",
}, []string{"command", "outcome"})

// userError carries the text shown to the invoker alongside its taxonomy sentinel.
type userError struct {
	kind    error
	message string
}

func (e *userError) Error() string {
	return e.kind.Error() + ": " + e.message
}

func (e *userError) Unwrap() error {
	return e.kind
}

func permissionDenied(message string) error {
	return &userError{kind: ErrPermissionDenied, message: message}
}

func invalidArgument(message string) error {
	return &userError{kind: ErrInvalidArgument, message: message}
}
