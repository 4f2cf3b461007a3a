// Package enrich provides the optional knowledge sink consulted around state
// saves and loads. The sink is strictly best-effort: callers report its
// outcome but never depend on it for correctness.
package enrich

import (
	"context"
	"errors"
)

// ErrDisabled signals that no sink is configured. Callers translate it into
// a "disabled" status rather than a failure.
var ErrDisabled = errors.New("enrichment sink disabled")

// RelatedItem is a piece of context related to a project, surfaced at load
// time and never persisted.
type RelatedItem struct {
	Content string  `json:"content"`
	Project string  `json:"project,omitempty"`
	Score   float32 `json:"score,omitempty"`
}

// Sink indexes saved project states and answers related-context queries.
type Sink interface {
	// Sync indexes the latest state for a project. Informational only.
	Sync(ctx context.Context, name string, state map[string]any) error

	// Related returns up to limit items related to the named project,
	// excluding the project itself. Empty on any failure.
	Related(ctx context.Context, name string, limit int) ([]RelatedItem, error)

	// Close releases sink resources.
	Close() error
}

// NoopSink is the sink used when enrichment is disabled.
type NoopSink struct{}

// Sync reports the sink as disabled.
func (NoopSink) Sync(context.Context, string, map[string]any) error { return ErrDisabled }

// Related returns nothing.
func (NoopSink) Related(context.Context, string, int) ([]RelatedItem, error) { return nil, nil }

// Close is a no-op.
func (NoopSink) Close() error { return nil }
