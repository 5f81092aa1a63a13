package stream

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"

	"github.com/offsite-dev/replica/internal/collection"
	"github.com/offsite-dev/replica/internal/remote"
)

const (
	pushReadLimit      = 1 << 20
	pushInitialBackoff = time.Second
	pushMaxBackoff     = 30 * time.Second
)

// Subscriber holds a websocket subscription for server-push row events and
// applies them through the same collection layer as the pull stream, so a
// pushed row and a streamed row converge identically.
type Subscriber struct {
	url    string
	tokens remote.TokenProvider
	set    *collection.Set
	logger *log.Logger
}

// NewSubscriber creates a subscriber for a ws:// or wss:// endpoint.
func NewSubscriber(url string, tokens remote.TokenProvider, set *collection.Set, logger *log.Logger) *Subscriber {
	if logger == nil {
		logger = log.New(os.Stderr, "[push] ", log.LstdFlags)
	}
	return &Subscriber{url: url, tokens: tokens, set: set, logger: logger}
}

// Run maintains the subscription until the context is canceled, reconnecting
// with exponential backoff after drops.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := pushInitialBackoff
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Printf("push subscription dropped: %v, reconnecting in %s", err, backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > pushMaxBackoff {
			backoff = pushMaxBackoff
		}
	}
}

func (s *Subscriber) runOnce(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if s.tokens != nil {
		if tok, err := s.tokens.Token(ctx); err == nil && tok != "" {
			opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + tok}}
		}
	}

	conn, _, err := websocket.Dial(ctx, s.url, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(pushReadLimit)

	// Subsequent connections start fresh; a reconnect relies on the next
	// pull session to fill whatever was pushed while offline.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.applyMessage(ctx, data)
	}
}

func (s *Subscriber) applyMessage(ctx context.Context, data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Printf("skipping malformed push message: %v", err)
		return
	}

	switch ev.Type {
	case eventUpsert:
		col, err := s.set.ForRemoteTable(ev.Entity)
		if err != nil {
			s.logger.Printf("skipping push for unknown entity %q", ev.Entity)
			return
		}
		row := ev.Record
		if row == nil {
			s.logger.Printf("skipping pushed upsert for %q without a record", ev.Entity)
			return
		}
		if _, has := row[col.Descriptor().PrimaryKey()]; !has && ev.ID != nil {
			row[col.Descriptor().PrimaryKey()] = ev.ID
		}
		if err := col.Put(ctx, row); err != nil {
			s.logger.Printf("WARNING: failed to apply pushed row to %s: %v", ev.Entity, err)
		}

	case eventDelete:
		col, err := s.set.ForRemoteTable(ev.Entity)
		if err != nil {
			s.logger.Printf("skipping push for unknown entity %q", ev.Entity)
			return
		}
		if err := col.DeleteLocal(ctx, ev.ID); err != nil {
			s.logger.Printf("WARNING: failed to apply pushed delete to %s: %v", ev.Entity, err)
		}

	default:
		// Heartbeats and future event types pass through silently.
	}
}
