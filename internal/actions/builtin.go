package actions

import (
	"context"
	"log/slog"
	"maps"
	"sort"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// Set implements the "set" action: its params are merged into the execution
// context as they are.
type Set struct{}

func (Set) Name() string { return "set" }

func (Set) Perform(_ context.Context, params, _ map[string]any) (api.ActionResult, error) {
	return api.ActionResult{OK: true, ContextPatch: maps.Clone(params)}, nil
}

// Log implements the "log" action. It writes params["message"] and the
// context keys listed in params["fields"] at info level.
type Log struct {
	Logger *slog.Logger
}

func (Log) Name() string { return "log" }

func (l Log) Perform(ctx context.Context, params, execCtx map[string]any) (api.ActionResult, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var attrs []slog.Attr
	if fields, ok := params["fields"].([]any); ok {
		for _, f := range fields {
			key, ok := f.(string)
			if !ok {
				continue
			}
			attrs = append(attrs, slog.Any(key, execCtx[key]))
		}
	} else {
		keys := make([]string, 0, len(execCtx))
		for k := range execCtx {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		attrs = append(attrs, slog.Any("context_keys", keys))
	}
	logger.LogAttrs(ctx, slog.LevelInfo, stringParam(params, "message", "workflow log"), attrs...)
	return api.ActionResult{OK: true}, nil
}

// Builtins returns a registry holding the built-in actions.
func Builtins(logger *slog.Logger, webhook WebhookConfig) *Registry {
	return NewRegistry().MustRegister(
		NewWebhook(webhook),
		Set{},
		Log{Logger: logger},
	)
}
