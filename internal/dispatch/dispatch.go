// Package dispatch routes named commands through an authorization predicate
// to their handler and normalises every failure into an *Error.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/hub/internal/apperr"
	"github.com/MarcoPoloResearchLab/hub/internal/content"
	"go.uber.org/zap"
)

const (
	codeUnknownCommand = "dispatch.unknown_command"
	codePanic          = "dispatch.panic"
)

var (
	// ErrDuplicateCommand indicates a model/command pair registered twice.
	ErrDuplicateCommand = errors.New("dispatch: duplicate command")
	// ErrMissingHandler indicates a command registered without a handler.
	ErrMissingHandler = errors.New("dispatch: missing handler")
)

// Principal is the authenticated caller.
type Principal struct {
	Username string `json:"username"`
}

// Args carries the fields any command may read.
type Args struct {
	Username     string           `json:"username,omitempty"`
	Document     string           `json:"document,omitempty"`
	Collaborator string           `json:"collaborator,omitempty"`
	ID           string           `json:"id,omitempty"`
	Blob         string           `json:"blob,omitempty"`
	Data         json.RawMessage  `json:"data,omitempty"`
	Commits      []content.Commit `json:"commits,omitempty"`
	Meta         map[string]any   `json:"meta,omitempty"`
	Refs         *content.Refs    `json:"refs,omitempty"`
	Since        string           `json:"since,omitempty"`
	Last         string           `json:"last,omitempty"`
	Network      string           `json:"network,omitempty"`
	Publication  string           `json:"publication,omitempty"`
	Query        string           `json:"query,omitempty"`
	Creator      string           `json:"creator,omitempty"`
}

// AuthorizeFunc decides whether principal may run a command with args.
type AuthorizeFunc func(ctx context.Context, args Args, principal Principal) error

// HandleFunc runs a command.
type HandleFunc func(ctx context.Context, args Args) (any, error)

// Command pairs an optional authorization predicate with its handler.
type Command struct {
	Authorize AuthorizeFunc
	Handle    HandleFunc
}

// Error is the uniform failure returned by Execute.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"-"`
	err     error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the underlying error to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.err
}

// Registry maps (model, command) pairs to commands.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]map[string]Command
	logger   *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{commands: make(map[string]map[string]Command), logger: logger}
}

// Register adds the commands of model. Registering an existing pair fails.
func (r *Registry) Register(model string, commands map[string]Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.commands[model]
	for name, command := range commands {
		if command.Handle == nil {
			return fmt.Errorf("%w: %s.%s", ErrMissingHandler, model, name)
		}
		if _, ok := existing[name]; ok {
			return fmt.Errorf("%w: %s.%s", ErrDuplicateCommand, model, name)
		}
	}
	if existing == nil {
		existing = make(map[string]Command, len(commands))
		r.commands[model] = existing
	}
	for name, command := range commands {
		existing[name] = command
	}
	return nil
}

// Models lists the registered "model.command" names in order.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0)
	for model, commands := range r.commands {
		for name := range commands {
			names = append(names, model+"."+name)
		}
	}
	sort.Strings(names)
	return names
}

// Execute authorizes and runs a command. Panics inside predicates or handlers
// become status 500 errors carrying the stack.
func (r *Registry) Execute(ctx context.Context, model, name string, args Args, principal Principal) (result any, err error) {
	command, ok := r.lookup(model, name)
	if !ok {
		return nil, &Error{
			Status:  http.StatusNotFound,
			Code:    codeUnknownCommand,
			Message: fmt.Sprintf("unknown command %s.%s", model, name),
			err:     apperr.ErrUnknownCommand,
		}
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			stack := string(debug.Stack())
			r.logger.Error("command panicked",
				zap.String("model", model),
				zap.String("command", name),
				zap.Any("panic", recovered),
				zap.String("stack", stack),
			)
			result = nil
			err = &Error{
				Status:  http.StatusInternalServerError,
				Code:    codePanic,
				Message: fmt.Sprint(recovered),
				Stack:   stack,
				err:     apperr.ErrInternal,
			}
		}
	}()

	if command.Authorize != nil {
		if authErr := command.Authorize(ctx, args, principal); authErr != nil {
			return nil, normalize(authErr)
		}
	}
	result, err = command.Handle(ctx, args)
	if err != nil {
		return nil, normalize(err)
	}
	return result, nil
}

func (r *Registry) lookup(model, name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	command, ok := r.commands[model][name]
	return command, ok
}

func normalize(err error) *Error {
	var dispatchErr *Error
	if errors.As(err, &dispatchErr) {
		return dispatchErr
	}
	return &Error{
		Status:  apperr.Status(err),
		Code:    apperr.CodeOf(err),
		Message: err.Error(),
		err:     err,
	}
}
