package reduce

import (
	"context"
	"sync"
)

// fakeHandle records the calls the pool makes on a worker.
type fakeHandle struct {
	id WorkerID

	DispatchFunc func(ctx context.Context, c Chunk) error
	CloseFunc    func(ctx context.Context) error

	mu            sync.Mutex
	DispatchCalls []Chunk
	CloseCalls    int
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{id: WorkerID(id)}
}

func (h *fakeHandle) ID() WorkerID {
	return h.id
}

func (h *fakeHandle) Dispatch(ctx context.Context, c Chunk) error {
	h.mu.Lock()
	h.DispatchCalls = append(h.DispatchCalls, c)
	h.mu.Unlock()
	if h.DispatchFunc != nil {
		return h.DispatchFunc(ctx, c)
	}
	return nil
}

func (h *fakeHandle) Close(ctx context.Context) error {
	h.mu.Lock()
	h.CloseCalls++
	h.mu.Unlock()
	if h.CloseFunc != nil {
		return h.CloseFunc(ctx)
	}
	return nil
}

func (h *fakeHandle) dispatched() []Chunk {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Chunk, len(h.DispatchCalls))
	copy(out, h.DispatchCalls)
	return out
}

func (h *fakeHandle) closes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.CloseCalls
}

// fakeTransport joins one handle per worker and answers every dispatch with
// the kernel's result from a separate goroutine, like a remote peer would.
type fakeTransport struct {
	Workers   int
	Kernel    KernelFunc
	StartFunc func(ctx context.Context, sink Sink) error
}

func (t *fakeTransport) Start(ctx context.Context, sink Sink) error {
	if t.StartFunc != nil {
		return t.StartFunc(ctx, sink)
	}
	for i := 0; i < t.Workers; i++ {
		h := newFakeHandle(string(rune('a' + i)))
		h.DispatchFunc = func(ctx context.Context, c Chunk) error {
			go func() {
				v, err := t.Kernel(ctx, c)
				if err != nil {
					_ = sink.Fail(h.ID(), err)
					return
				}
				_ = sink.Result(h.ID(), v)
			}()
			return nil
		}
		if err := sink.Join(h); err != nil {
			return err
		}
	}
	return nil
}
