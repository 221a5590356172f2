package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var errBridgeClosed = errors.New("socket: gateway connection closed")

const (
	eventBuffer = 256
	closeWait   = 2 * time.Second
)

// bridge owns one gateway connection. A single reader goroutine routes
// reply frames to the caller waiting on that req_id and pushes everything
// else onto events. Writes are serialized by writeMu.
type bridge struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	nextReq atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan frame
	closed  bool

	events chan frame
	done   chan struct{}
}

// dialBridge connects to url and starts the reader. ctx bounds the dial.
func dialBridge(ctx context.Context, dialer *websocket.Dialer, url string, logger *slog.Logger) (*bridge, error) {
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	b := &bridge{
		conn:    conn,
		logger:  logger,
		pending: make(map[int64]chan frame),
		events:  make(chan frame, eventBuffer),
		done:    make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

func (b *bridge) readLoop() {
	defer func() {
		b.mu.Lock()
		b.closed = true
		for id, ch := range b.pending {
			close(ch)
			delete(b.pending, id)
		}
		b.mu.Unlock()
		close(b.events)
		close(b.done)
	}()

	for {
		var f frame
		if err := b.conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, net.ErrClosed) {
				b.logger.Warn("gateway read failed", "err", err)
			}
			return
		}

		if f.ReqID != 0 {
			b.mu.Lock()
			ch, ok := b.pending[f.ReqID]
			delete(b.pending, f.ReqID)
			b.mu.Unlock()
			if ok {
				ch <- f
				continue
			}
			b.logger.Debug("gateway reply with no waiter", "type", f.Type, "req_id", f.ReqID)
			continue
		}
		// Never block the reader on the event consumer.
		select {
		case b.events <- f:
		default:
			b.logger.Warn("gateway event dropped, consumer behind", "type", f.Type, "code", f.Code)
		}
	}
}

// call sends a request and waits for the correlated reply, decoding its
// data into out when out is non-nil.
func (b *bridge) call(ctx context.Context, typ string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}

	id := b.nextReq.Add(1)
	ch := make(chan frame, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errBridgeClosed
	}
	b.pending[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	b.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		b.conn.SetWriteDeadline(dl)
	} else {
		b.conn.SetWriteDeadline(time.Time{})
	}
	err = b.conn.WriteJSON(frame{Type: typ, ReqID: id, Data: data})
	b.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return errBridgeClosed
		}
		if f.Error != "" || f.Code != 0 {
			return &GatewayError{Code: f.Code, Message: f.Error}
		}
		if out != nil && len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, out); err != nil {
				return fmt.Errorf("decode %s reply: %w", typ, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close sends a close frame and tears down the connection. The reader
// goroutine exits and fails any pending calls; close waits for it at most
// closeWait.
func (b *bridge) close() error {
	b.writeMu.Lock()
	_ = b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	b.writeMu.Unlock()
	err := b.conn.Close()
	select {
	case <-b.done:
	case <-time.After(closeWait):
		b.logger.Warn("gateway reader did not exit", "wait", closeWait)
	}
	return err
}
