package progress

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"conservatory.io/cadenza/internal/config"
	"conservatory.io/cadenza/internal/domain"
	"conservatory.io/cadenza/internal/pkg/logger"
)

// EventKind distinguishes subscriber events.
type EventKind string

const (
	// EventSnapshot carries a progress snapshot.
	EventSnapshot EventKind = "snapshot"
	// EventDisconnected is terminal: the reconnect budget is exhausted.
	EventDisconnected EventKind = "disconnected"
)

// Event is one subscriber-side occurrence.
type Event struct {
	Kind     EventKind
	Snapshot *domain.DeletionProgress
	Err      error
}

// Subscriber follows one operation's progress stream over WebSocket,
// reconnecting with exponential backoff and jitter. After the attempt cap
// it emits a terminal disconnected event and stops.
type Subscriber struct {
	url string
	cfg config.ProgressConfig

	dialer *websocket.Dialer
}

// NewSubscriber creates a subscriber for one stream URL.
func NewSubscriber(url string, cfg config.ProgressConfig) *Subscriber {
	return &Subscriber{
		url:    url,
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
	}
}

// Run follows the stream until the server finishes it, ctx is cancelled,
// or reconnection gives up. The returned channel closes when Run stops.
func (s *Subscriber) Run(ctx context.Context, events chan<- Event) {
	defer close(events)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectInitial
	bo.MaxInterval = s.cfg.ReconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, resp, err := s.dialer.DialContext(ctx, s.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			attempts++
			if attempts > s.cfg.ReconnectMaxRetries {
				logger.Warn("Progress stream reconnect budget exhausted",
					zap.String("url", s.url),
					zap.Int("attempts", attempts-1),
				)
				s.emit(ctx, events, Event{Kind: EventDisconnected, Err: err})
				return
			}
			wait := bo.NextBackOff()
			logger.Debug("Progress stream dial failed, backing off",
				zap.String("url", s.url),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		attempts = 0
		bo.Reset()

		finished := s.consume(ctx, conn, events)
		conn.Close()
		if finished || ctx.Err() != nil {
			return
		}
		// Abnormal drop mid-stream; fall through to reconnect.
	}
}

// consume reads snapshots until the connection ends. True means the server
// closed the stream normally after the operation finished.
func (s *Subscriber) consume(ctx context.Context, conn *websocket.Conn, events chan<- Event) bool {
	for {
		var snapshot domain.DeletionProgress
		if err := conn.ReadJSON(&snapshot); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true
			}
			return false
		}
		if !s.emit(ctx, events, Event{Kind: EventSnapshot, Snapshot: &snapshot}) {
			return true
		}
	}
}

func (s *Subscriber) emit(ctx context.Context, events chan<- Event, event Event) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
