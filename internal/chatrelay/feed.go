package chatrelay

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"
)

const (
	translatorRetryDelay    = time.Second
	translatorMaxRetryDelay = 30 * time.Second
	// After this many consecutive reopen failures the translator reports
	// itself degraded. It keeps retrying; writes are unaffected either way.
	translatorDegradedAfter = 5
)

// Translator is the long-lived task that turns store mutations into
// subscriber events: insert -> message.new, update -> message.status.
type Translator struct {
	store Store
	hub   *Hub

	cursor   atomic.Int64
	degraded atomic.Bool
}

func NewTranslator(store Store, hub *Hub) *Translator {
	return &Translator{store: store, hub: hub}
}

// Healthy reports whether the feed is currently being consumed.
func (t *Translator) Healthy() bool {
	return !t.degraded.Load()
}

// Run consumes the change feed until ctx is cancelled. Feed disruptions are
// logged and the feed is reopened from the last translated sequence, so a
// resumable disruption loses nothing.
func (t *Translator) Run(ctx context.Context) {
	failures := 0
	delay := translatorRetryDelay
	for {
		if ctx.Err() != nil {
			return
		}
		opened, err := t.consume(ctx)
		if opened {
			failures = 0
			delay = translatorRetryDelay
		}
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		if errors.Is(err, ErrStoreClosed) {
			return
		}
		failures++
		if failures >= translatorDegradedAfter {
			t.degraded.Store(true)
		}
		log.Printf("change feed disrupted (resuming after seq %d): %v", t.cursor.Load(), err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay < translatorMaxRetryDelay {
			delay *= 2
			if delay > translatorMaxRetryDelay {
				delay = translatorMaxRetryDelay
			}
		}
		continue
	}
}

func (t *Translator) consume(ctx context.Context) (bool, error) {
	feed, err := t.store.Feed(ctx, t.cursor.Load())
	if err != nil {
		return false, err
	}
	defer feed.Close()
	t.degraded.Store(false)

	for {
		change, err := feed.Next(ctx)
		if err != nil {
			return true, err
		}
		t.hub.Publish(eventFromChange(change))
		t.cursor.Store(change.Seq)
	}
}
