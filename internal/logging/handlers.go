package logging

import (
	"context"
	"errors"
	"log/slog"
)

// AttrSource returns attributes that change over the life of the process,
// such as the current session id. It is called once per record.
type AttrSource func() []slog.Attr

type sessionHandler struct {
	inner slog.Handler
	attrs AttrSource
}

// withSession adds the attributes of src to every record handled by inner.
func withSession(inner slog.Handler, src AttrSource) slog.Handler {
	if src == nil {
		return inner
	}
	return &sessionHandler{inner: inner, attrs: src}
}

func (h *sessionHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *sessionHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(h.attrs()...)
	return h.inner.Handle(ctx, r)
}

func (h *sessionHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sessionHandler{inner: h.inner.WithAttrs(attrs), attrs: h.attrs}
}

func (h *sessionHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &sessionHandler{inner: h.inner.WithGroup(name), attrs: h.attrs}
}

// branch is one output of a teeHandler. Records below min are not passed on
// even when the handler itself would accept them.
type branch struct {
	handler slog.Handler
	min     slog.Level
}

func (b branch) enabled(ctx context.Context, level slog.Level) bool {
	return level >= b.min && b.handler.Enabled(ctx, level)
}

// teeHandler writes every record to each branch that accepts it. A failing
// branch does not stop the others; the errors are joined.
type teeHandler struct {
	branches []branch
}

func (t *teeHandler) add(h slog.Handler, floor slog.Level) *teeHandler {
	if h != nil {
		t.branches = append(t.branches, branch{handler: h, min: floor})
	}
	return t
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, b := range t.branches {
		if b.enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, b := range t.branches {
		if !b.enabled(ctx, r.Level) {
			continue
		}
		if err := b.handler.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *teeHandler) derive(fn func(slog.Handler) slog.Handler) *teeHandler {
	out := &teeHandler{branches: make([]branch, len(t.branches))}
	for i, b := range t.branches {
		out.branches[i] = branch{handler: fn(b.handler), min: b.min}
	}
	return out
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return t.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return t
	}
	return t.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}
