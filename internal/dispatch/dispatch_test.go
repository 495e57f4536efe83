package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/hub/internal/apperr"
)

func TestExecuteUnknownCommand(t *testing.T) {
	registry := NewRegistry(nil)
	_, err := registry.Execute(context.Background(), "hubstore", "nope", Args{}, Principal{Username: "alice"})
	var dispatchErr *Error
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("expected dispatch error, got %T", err)
	}
	if dispatchErr.Status != http.StatusNotFound || dispatchErr.Code != codeUnknownCommand {
		t.Fatalf("unexpected error %+v", dispatchErr)
	}
	if !errors.Is(err, apperr.ErrUnknownCommand) {
		t.Fatalf("expected unknown command kind")
	}
}

func TestExecuteAuthorizationShortCircuits(t *testing.T) {
	registry := NewRegistry(nil)
	handled := 0
	err := registry.Register("hubstore", map[string]Command{
		"update": {
			Authorize: func(context.Context, Args, Principal) error {
				return apperr.Unauthorized("test.authorize", "denied", nil)
			},
			Handle: func(context.Context, Args) (any, error) {
				handled++
				return "ok", nil
			},
		},
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	result, err := registry.Execute(context.Background(), "hubstore", "update", Args{Document: "doc-1"}, Principal{Username: "bob"})
	if result != nil {
		t.Fatalf("expected no result, got %v", result)
	}
	var dispatchErr *Error
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
	if dispatchErr.Status != http.StatusUnauthorized || dispatchErr.Code != "test.authorize.denied" {
		t.Fatalf("unexpected error %+v", dispatchErr)
	}
	if handled != 0 {
		t.Fatalf("handler must not run after a failed authorization, ran %d times", handled)
	}
}

func TestExecuteReturnsHandlerResult(t *testing.T) {
	registry := NewRegistry(nil)
	mustRegister(t, registry, "hubstore", map[string]Command{
		"info": {
			Handle: func(_ context.Context, args Args) (any, error) {
				return args.Document, nil
			},
		},
	})
	result, err := registry.Execute(context.Background(), "hubstore", "info", Args{Document: "doc-1"}, Principal{})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result != "doc-1" {
		t.Fatalf("unexpected result %v", result)
	}
}

func TestExecuteNormalisesHandlerErrors(t *testing.T) {
	registry := NewRegistry(nil)
	mustRegister(t, registry, "blobs", map[string]Command{
		"get": {
			Handle: func(context.Context, Args) (any, error) {
				return nil, apperr.NotFound("blobs.get", "missing_blob", nil)
			},
		},
		"plain": {
			Handle: func(context.Context, Args) (any, error) {
				return nil, errors.New("boom")
			},
		},
	})

	_, err := registry.Execute(context.Background(), "blobs", "get", Args{}, Principal{})
	var dispatchErr *Error
	if !errors.As(err, &dispatchErr) || dispatchErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 dispatch error, got %v", err)
	}
	if !apperr.IsNotFound(err) {
		t.Fatalf("expected not found kind to survive normalisation")
	}

	_, err = registry.Execute(context.Background(), "blobs", "plain", Args{}, Principal{})
	if !errors.As(err, &dispatchErr) || dispatchErr.Status != http.StatusInternalServerError || dispatchErr.Message != "boom" {
		t.Fatalf("expected 500 dispatch error, got %+v", dispatchErr)
	}
}

func TestExecuteRecoversPanics(t *testing.T) {
	registry := NewRegistry(nil)
	mustRegister(t, registry, "hubstore", map[string]Command{
		"get": {
			Handle: func(context.Context, Args) (any, error) {
				panic("kaboom")
			},
		},
	})
	result, err := registry.Execute(context.Background(), "hubstore", "get", Args{}, Principal{})
	if result != nil {
		t.Fatalf("expected nil result, got %v", result)
	}
	var dispatchErr *Error
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
	if dispatchErr.Status != http.StatusInternalServerError || dispatchErr.Message != "kaboom" {
		t.Fatalf("unexpected error %+v", dispatchErr)
	}
	if !strings.Contains(dispatchErr.Stack, "goroutine") {
		t.Fatalf("expected stack trace, got %q", dispatchErr.Stack)
	}
}

func TestRegisterRejectsDuplicatesAndMissingHandlers(t *testing.T) {
	registry := NewRegistry(nil)
	handler := func(context.Context, Args) (any, error) { return nil, nil }
	mustRegister(t, registry, "hubstore", map[string]Command{"get": {Handle: handler}})

	if err := registry.Register("hubstore", map[string]Command{"get": {Handle: handler}}); !errors.Is(err, ErrDuplicateCommand) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := registry.Register("hubstore", map[string]Command{"info": {}}); !errors.Is(err, ErrMissingHandler) {
		t.Fatalf("expected missing handler error, got %v", err)
	}
	mustRegister(t, registry, "hubstore", map[string]Command{"info": {Handle: handler}})

	models := registry.Models()
	if len(models) != 2 || models[0] != "hubstore.get" || models[1] != "hubstore.info" {
		t.Fatalf("unexpected models %v", models)
	}
}

func mustRegister(t *testing.T, registry *Registry, model string, commands map[string]Command) {
	t.Helper()
	if err := registry.Register(model, commands); err != nil {
		t.Fatalf("register %s failed: %v", model, err)
	}
}
