// Package wsock carries a job over WebSocket connections: each connection to
// the coordinator's endpoint is one worker. Frames are binary MessagePack
// messages from package wire.
package wsock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"piscale/pkg/logging"
	"piscale/pkg/reduce"
	"piscale/pkg/wire"
)

// DefaultPath is the endpoint workers connect to.
const DefaultPath = "/pi-job"

const writeWait = 5 * time.Second

// ErrDisconnected indicates a worker connection ended before its result arrived.
var ErrDisconnected = errors.New("worker disconnected")

// Transport is the coordinator side of a WebSocket job.
type Transport struct {
	// Addr is the listen address used by Start when Listener is nil (e.g. ":8080").
	Addr string

	// Listener, if set, is served by Start instead of listening on Addr.
	Listener net.Listener

	// Path is the WebSocket endpoint (default: DefaultPath).
	Path string

	// Method is the kernel name sent with each assignment (required).
	Method string

	// Seed is forwarded to sampling kernels.
	Seed uint64

	// Logger is for observability (optional).
	Logger logging.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

var _ reduce.Transport = (*Transport)(nil)

func (t *Transport) path() string {
	if t.Path == "" {
		return DefaultPath
	}
	return t.Path
}

func (t *Transport) logger() logging.Logger {
	if t.Logger == nil {
		return logging.Nop{}
	}
	return t.Logger
}

// Start serves the endpoint until ctx ends, then shuts the server down and
// drops the remaining connections.
func (t *Transport) Start(ctx context.Context, sink reduce.Sink) error {
	if t.Method == "" {
		return fmt.Errorf("%w: websocket transport needs a method", reduce.ErrConfiguration)
	}

	ln := t.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", t.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", t.Addr, err)
		}
	}

	srv := &http.Server{
		Handler:           t.Handler(sink),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log := t.logger()
	log.Info(ctx, "listening for workers", "addr", ln.Addr().String(), "path", t.path())

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "websocket server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		t.dropConns()
	}()
	return nil
}

// Handler returns an http.Handler serving the worker endpoint at Path.
func (t *Transport) Handler(sink reduce.Sink) http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.path(), func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.logger().Error(r.Context(), "websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		t.serve(r.Context(), conn, sink)
	})
	return mux
}

func (t *Transport) track(conn *websocket.Conn, on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns == nil {
		t.conns = make(map[*websocket.Conn]struct{})
	}
	if on {
		t.conns[conn] = struct{}{}
	} else {
		delete(t.conns, conn)
	}
}

func (t *Transport) dropConns() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for conn := range t.conns {
		_ = conn.Close()
	}
}

// serve owns conn until either side closes it.
func (t *Transport) serve(ctx context.Context, conn *websocket.Conn, sink reduce.Sink) {
	log := t.logger()
	t.track(conn, true)
	defer t.track(conn, false)
	defer conn.Close()

	h := &Handle{
		id:     reduce.WorkerID(uuid.New().String()),
		conn:   conn,
		method: t.Method,
		seed:   t.Seed,
	}
	log.Info(ctx, "worker connected", "workerID", h.id, "remote", conn.RemoteAddr().String())

	if err := sink.Join(h); err != nil {
		log.Error(ctx, "join not accepted", "workerID", h.id, "error", err)
		_ = h.Close(context.Background())
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !h.reported.Load() && !h.closing.Load() {
				if ferr := sink.Fail(h.id, fmt.Errorf("%w: %v", ErrDisconnected, err)); ferr != nil {
					log.Debug(ctx, "dropping disconnect", "workerID", h.id, "error", ferr)
				}
			}
			return
		}

		m, err := wire.Decode(data)
		if err != nil {
			log.Error(ctx, "ignoring invalid message", "workerID", h.id, "error", err)
			continue
		}

		switch m.Type {
		case wire.TypeData:
			h.reported.Store(true)
			err = sink.Result(h.id, m.Value)
		case wire.TypeFailure:
			h.reported.Store(true)
			err = sink.Fail(h.id, errors.New(m.Error))
		default:
			log.Debug(ctx, "ignoring message", "workerID", h.id, "type", m.Type)
			continue
		}
		if err != nil {
			log.Debug(ctx, "dropping worker message", "workerID", h.id, "type", m.Type, "error", err)
		}
	}
}

// Handle is one worker connection.
type Handle struct {
	id     reduce.WorkerID
	conn   *websocket.Conn
	method string
	seed   uint64

	writeMu  sync.Mutex
	reported atomic.Bool
	closing  atomic.Bool
}

var _ reduce.Handle = (*Handle)(nil)

func (h *Handle) ID() reduce.WorkerID {
	return h.id
}

// Dispatch sends the pi-job assignment.
func (h *Handle) Dispatch(_ context.Context, c reduce.Chunk) error {
	return h.write(wire.Assignment(h.id, h.method, h.seed, c))
}

// Close sends the close message, then closes the connection.
func (h *Handle) Close(_ context.Context) error {
	if h.closing.Swap(true) {
		return nil
	}
	err := h.write(wire.Close(h.id))

	h.writeMu.Lock()
	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	h.writeMu.Unlock()

	if cerr := h.conn.Close(); err == nil && cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}

func (h *Handle) write(m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := h.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write %s to worker %s: %w", m.Type, h.id, err)
	}
	return nil
}
