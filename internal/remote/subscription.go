package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftnotes/drift/internal/note"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const closeGracePeriod = time.Second

// websocketSubscription owns one websocket connection to the snapshot feed.
// The read loop decodes each message as a full subtree and forwards it; any
// read failure terminates the subscription with a classified error.
type websocketSubscription struct {
	conn      *websocket.Conn
	snapshots chan []note.WireNote
	logger    *zap.Logger

	closeOnce sync.Once
	done      chan struct{}

	mu       sync.Mutex
	terminal error
}

func newWebsocketSubscription(ctx context.Context, conn *websocket.Conn, logger *zap.Logger) *websocketSubscription {
	subscription := &websocketSubscription{
		conn:      conn,
		snapshots: make(chan []note.WireNote, 1),
		logger:    logger,
		done:      make(chan struct{}),
	}

	go subscription.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			subscription.Close()
		case <-subscription.done:
		}
	}()

	return subscription
}

// Snapshots returns the subtree feed. The channel closes on termination.
func (s *websocketSubscription) Snapshots() <-chan []note.WireNote {
	return s.snapshots
}

// Err reports the terminal cause once Snapshots has closed. It is nil after
// a clean Close.
func (s *websocketSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// Close releases the remote listener. Safe to call any number of times;
// the connection is torn down exactly once.
func (s *websocketSubscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := time.Now().Add(closeGracePeriod)
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := s.conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
			s.logger.Debug("subscription close handshake failed", zap.Error(err))
		}
		_ = s.conn.Close()
	})
}

func (s *websocketSubscription) readLoop() {
	defer close(s.snapshots)
	defer s.Close()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Local teardown; not a failure.
			default:
				s.setTerminal(classifyReadError(err))
			}
			return
		}

		snapshot := note.DecodeWireTree(payload)
		select {
		case s.snapshots <- snapshot:
		case <-s.done:
			return
		}
	}
}

func (s *websocketSubscription) setTerminal(err error) {
	s.mu.Lock()
	s.terminal = err
	s.mu.Unlock()
}

func classifyReadError(err error) error {
	if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: subscription closed by server: %v", ErrRemoteUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
}
