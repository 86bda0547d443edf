package wsock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"piscale/pkg/logging"
	"piscale/pkg/reduce"
	"piscale/pkg/wire"
)

// Worker is the remote side of a WebSocket job. It connects, waits for its
// pi-job, sends back a data message, and exits on close.
type Worker struct {
	// URL is the coordinator endpoint, e.g. ws://localhost:8080/pi-job (required).
	URL string

	// Dialer opens the connection (default: websocket.DefaultDialer).
	Dialer *websocket.Dialer

	// Logger is for observability (optional).
	Logger logging.Logger
}

// Run blocks until the coordinator closes the worker, the connection drops,
// or ctx ends. It returns nil after a graceful close.
func (w *Worker) Run(ctx context.Context) error {
	if w.URL == "" {
		return fmt.Errorf("%w: websocket worker needs a url", reduce.ErrConfiguration)
	}
	log := w.Logger
	if log == nil {
		log = logging.Nop{}
	}
	dialer := w.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, w.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.URL, err)
	}
	defer conn.Close()
	log.Info(ctx, "worker registered, waiting for job", "url", w.URL)

	computeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}

		m, err := wire.Decode(data)
		if err != nil {
			log.Error(ctx, "ignoring invalid message", "error", err)
			continue
		}

		switch m.Type {
		case wire.TypeClose:
			log.Info(ctx, "connection to coordinator terminated gracefully", "workerID", m.WorkerID)
			return nil

		case wire.TypeAssignment:
			log.Info(ctx, "job received", "workerID", m.WorkerID, "method", m.Method, "chunk", m.Chunk().String())
			go func() {
				reply := wire.Execute(computeCtx, reduce.WorkerID(m.WorkerID), m)
				if err := send(conn, reply); err != nil && !errors.Is(computeCtx.Err(), context.Canceled) {
					log.Error(ctx, "failed to send result", "workerID", m.WorkerID, "error", err)
					return
				}
				log.Info(ctx, "result sent", "workerID", m.WorkerID, "type", reply.Type, "value", reply.Value)
			}()

		default:
			log.Debug(ctx, "ignoring message", "type", m.Type)
		}
	}
}

func send(conn *websocket.Conn, m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}
