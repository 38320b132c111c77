package feed

import (
	"context"
	"fmt"

	"exchange/internal/bus"
	"exchange/internal/schema"
	"exchange/internal/state"
)

// Snapshotter captures one instrument's book inside its actor, normally a *core.Router.
type Snapshotter interface {
	Snapshot(ctx context.Context, instrument schema.InstrumentID) (state.BookSnapshot, error)
}

// History streams sequenced events, normally a *journal.Journal.
type History interface {
	Replay(ctx context.Context, from uint64, fn func(bus.Event) error) error
	Last() uint64
}

// Handler serves snapshots and replays to subscribers that fell behind.
type Handler struct {
	books   Snapshotter
	history History
}

// NewHandler creates a recovery handler.
func NewHandler(books Snapshotter, history History) *Handler {
	return &Handler{books: books, history: history}
}

// Snapshot returns the instrument's book together with the last sequence it reflects.
func (h *Handler) Snapshot(ctx context.Context, instrument schema.InstrumentID) (state.BookSnapshot, error) {
	snap, err := h.books.Snapshot(ctx, instrument)
	if err != nil {
		return state.BookSnapshot{}, fmt.Errorf("snapshot instrument %d: %w", instrument, err)
	}
	return snap, nil
}

// Replay streams events from sequence from up to the last sequence at call time.
func (h *Handler) Replay(ctx context.Context, from uint64, fn func(bus.Event) error) error {
	return h.history.Replay(ctx, from, fn)
}

// Last returns the last sequenced event.
func (h *Handler) Last() uint64 {
	return h.history.Last()
}

// RecoveryNeeded reports whether received skips past expected. A lower sequence is a redelivery.
func RecoveryNeeded(expected, received uint64) bool {
	return received > expected
}
