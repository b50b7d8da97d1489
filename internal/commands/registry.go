// Package commands maps slash command names to typed handlers and renders their replies.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/gifguard/internal/audit"
	"github.com/MarcoPoloResearchLab/gifguard/internal/gateway"
	"github.com/MarcoPoloResearchLab/gifguard/internal/store"
	"go.uber.org/zap"
)

// OptionType is the declared type of a command option.
type OptionType int

const (
	OptionString OptionType = iota
	OptionUser
	OptionInteger
)

// Option declares one command argument.
type Option struct {
	Name        string
	Description string
	Type        OptionType
	Required    bool
	Choices     []string
}

// Request is a single invocation as seen by a handler.
type Request struct {
	gateway.CommandInvoked
}

// String returns the named option, or fallback when it was not supplied.
func (r Request) String(name, fallback string) string {
	if value, ok := r.Options[name]; ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

// Int returns the named option parsed as an integer, or fallback when it was not supplied.
func (r Request) Int(name string, fallback int) (int, error) {
	raw := r.String(name, "")
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalidArgument(fmt.Sprintf("%s must be a whole number", name))
	}
	return value, nil
}

// Response is what a handler wants shown to the invoker.
type Response struct {
	Text      string
	Ephemeral bool
}

// HandlerFunc executes a command.
type HandlerFunc func(ctx context.Context, request Request) (Response, error)

// Definition is a registered command.
type Definition struct {
	Group       string
	Name        string
	Description string
	Options     []Option
	Handler     HandlerFunc
}

// FullName is the routing key, for example "media ban".
func (d Definition) FullName() string {
	if d.Group == "" {
		return d.Name
	}
	return d.Group + " " + d.Name
}

// Registry routes invocations to definitions by full name.
type Registry struct {
	logger      *zap.Logger
	definitions map[string]Definition
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger, definitions: map[string]Definition{}}
}

// Register adds a definition. Names must be unique.
func (r *Registry) Register(definition Definition) error {
	name := definition.FullName()
	if definition.Name == "" || definition.Handler == nil {
		return fmt.Errorf("commands: definition %q needs a name and a handler", name)
	}
	if _, exists := r.definitions[name]; exists {
		return fmt.Errorf("commands: %q already registered", name)
	}
	r.definitions[name] = definition
	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	definition, ok := r.definitions[name]
	return definition, ok
}

// Definitions returns every definition ordered by full name.
func (r *Registry) Definitions() []Definition {
	definitions := make([]Definition, 0, len(r.definitions))
	for _, definition := range r.definitions {
		definitions = append(definitions, definition)
	}
	sort.Slice(definitions, func(i, j int) bool {
		return definitions[i].FullName() < definitions[j].FullName()
	})
	return definitions
}

// Dispatch runs the handler for event and maps its error to a reply. The returned error
// is non-nil only for failures the caller must act on, such as a lost store connection.
func (r *Registry) Dispatch(ctx context.Context, event gateway.CommandInvoked) (Response, error) {
	logger := r.logger.With(
		zap.String("command", event.Name),
		zap.String("invoker_id", event.InvokerID),
		zap.String("channel_id", event.ChannelID),
	)
	definition, ok := r.Lookup(event.Name)
	if !ok {
		logger.Warn("unknown command")
		return Response{Text: "Unknown command.", Ephemeral: true}, nil
	}
	logger.Info("command invoked")

	response, err := definition.Handler(ctx, Request{CommandInvoked: event})
	if err == nil {
		commandCount.WithLabelValues(event.Name, "ok").Inc()
		return response, nil
	}

	var userErr *userError
	switch {
	case errors.As(err, &userErr):
		commandCount.WithLabelValues(event.Name, "rejected").Inc()
		logger.Info("command rejected", zap.String("reason", userErr.message))
		return Response{Text: userErr.message, Ephemeral: true}, nil
	case errors.Is(err, store.ErrConflict):
		commandCount.WithLabelValues(event.Name, "conflict").Inc()
		return Response{Text: "That entry already exists."}, nil
	case errors.Is(err, store.ErrNotFound):
		commandCount.WithLabelValues(event.Name, "not_found").Inc()
		return Response{Text: "Nothing matched that request."}, nil
	case errors.Is(err, audit.ErrConflict):
		commandCount.WithLabelValues(event.Name, "conflict").Inc()
		return Response{Text: "That audit is already running."}, nil
	case store.IsFatal(err):
		commandCount.WithLabelValues(event.Name, "error").Inc()
		logger.Error("command failed: store unavailable", zap.Error(err))
		return Response{Text: "The bot has lost its database connection.", Ephemeral: true}, err
	default:
		commandCount.WithLabelValues(event.Name, "error").Inc()
		logger.Error("command failed", zap.Error(err))
		return Response{Text: fmt.Sprintf("Exception in slash command %s.", event.Name), Ephemeral: true}, nil
	}
}
