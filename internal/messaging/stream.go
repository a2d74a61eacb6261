package messaging

import (
	"context"

	"github.com/scalperguard/resale-guard/internal/domain"
)

// EventStream is a pull-based, cancellable iterator over ledger events.
// Events come out strictly increasing by (block height, log index).
//
//go:generate mockgen -source=stream.go -destination=../mocks/stream.go -package=mocks -mock_names=EventStream=MockEventStream
type EventStream interface {
	// Next blocks until the next event is available. It returns ctx.Err() when
	// the context is cancelled and domain.ErrSourceUnavailable when the source
	// cannot be recovered.
	Next(ctx context.Context) (*domain.Event, error)

	// Close stops the stream and releases its resources
	Close()
}

// EventSource opens event streams for a contract
//
//go:generate mockgen -source=stream.go -destination=../mocks/stream.go -package=mocks -mock_names=EventSource=MockEventSource
type EventSource interface {
	// Subscribe opens a stream of the given kinds that starts strictly after the
	// cursor; a nil cursor starts from the source's configured beginning.
	Subscribe(ctx context.Context, contract string, kinds []domain.EventKind, after *domain.Position) (EventStream, error)
}

// KindSet is a lookup set of event kinds
type KindSet map[domain.EventKind]struct{}

// NewKindSet builds a KindSet; an empty list selects every kind
func NewKindSet(kinds []domain.EventKind) KindSet {
	if len(kinds) == 0 {
		kinds = domain.AllEventKinds
	}
	set := make(KindSet, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return set
}

// Has reports whether the set contains kind
func (s KindSet) Has(kind domain.EventKind) bool {
	_, ok := s[kind]
	return ok
}
