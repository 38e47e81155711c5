package scheduler

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgflow/internal/api/models"
	"imgflow/internal/blob"
	"imgflow/internal/graph"
	"imgflow/internal/ops"
	"imgflow/internal/processor"
)

type harness struct {
	store *graph.Store
	blobs *blob.MemoryStore
	sched *Scheduler
	calls map[string]*atomic.Int32

	mu     sync.Mutex
	events []models.NodeID
}

func newHarness(t *testing.T, debounce time.Duration, fn processor.Func) *harness {
	t.Helper()

	h := &harness{
		store: graph.NewStore(ops.DefaultRegistry),
		blobs: blob.NewMemoryStore(),
		calls: make(map[string]*atomic.Int32),
	}
	for _, op := range ops.DefaultRegistry.OpTypes() {
		h.calls[op] = &atomic.Int32{}
	}

	counting := processor.Func(func(ctx context.Context, req processor.Request) (processor.Response, error) {
		h.calls[req.OpType].Add(1)
		return fn(ctx, req)
	})
	h.sched = New(h.store, counting, h.blobs, Options{
		FlowID:        7,
		Debounce:      debounce,
		MaxConcurrent: 2,
		Logger:        zerolog.Nop(),
		Listener: ListenerFunc(func(id models.NodeID, _ models.ResultEntry, _ bool) {
			h.mu.Lock()
			h.events = append(h.events, id)
			h.mu.Unlock()
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) node(t *testing.T, kind models.NodeKind, opType string) models.NodeID {
	t.Helper()
	n, err := h.store.AddNode(kind, opType)
	require.NoError(t, err)
	return n.ID
}

func (h *harness) connect(t *testing.T, source, target models.NodeID, port models.Port) {
	t.Helper()
	_, err := h.store.AddEdge(models.Edge{Source: source, Target: target, TargetPort: port})
	require.NoError(t, err)
}

func (h *harness) upload(t *testing.T, id models.NodeID, data []byte) {
	t.Helper()
	digest := Digest(data)
	handle := blob.Key(7, id, digest)
	require.NoError(t, h.blobs.Put(context.Background(), handle, data))
	require.NoError(t, h.store.SetResult(id, models.ResultEntry{Handle: handle, Digest: digest}))
	h.sched.Notify(id)
}

func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.sched.Settle(ctx))
}

func (h *harness) image(t *testing.T, id models.NodeID) string {
	t.Helper()
	entry, ok := h.store.Result(id)
	require.True(t, ok, "node %s has no result", id)
	require.False(t, entry.Failed(), entry.Err)
	data, err := h.blobs.Get(context.Background(), entry.Handle)
	require.NoError(t, err)
	return string(data)
}

// appendOp tags the primary input with the opType so the chain is visible in
// the final payload.
func appendOp(_ context.Context, req processor.Request) (processor.Response, error) {
	out := append([]byte(nil), req.Image...)
	out = append(out, '|')
	out = append(out, req.OpType...)
	if req.Secondary != nil {
		out = append(out, '+')
		out = append(out, req.Secondary...)
	}
	return processor.Response{Image: out}, nil
}

func TestScheduler_ComputesChainInOrder(t *testing.T) {
	h := newHarness(t, 0, appendOp)

	in := h.node(t, models.NodeKindInput, "")
	blur := h.node(t, models.NodeKindProcess, ops.OpBlur)
	gray := h.node(t, models.NodeKindProcess, ops.OpGrayscale)
	out := h.node(t, models.NodeKindOutput, "")
	h.connect(t, in, blur, models.PortPrimary)
	h.connect(t, blur, gray, models.PortPrimary)
	h.connect(t, gray, out, models.PortPrimary)

	h.upload(t, in, []byte("src"))
	h.settle(t)

	assert.Equal(t, "src|blur", h.image(t, blur))
	assert.Equal(t, "src|blur|grayscale", h.image(t, gray))

	grayEntry, _ := h.store.Result(gray)
	outEntry, _ := h.store.Result(out)
	assert.Equal(t, grayEntry, outEntry)
	assert.Contains(t, outEntry.Handle, "flow:7:node:"+string(gray))
}

func TestScheduler_SkipsUnchangedInputs(t *testing.T) {
	h := newHarness(t, 0, appendOp)

	in := h.node(t, models.NodeKindInput, "")
	blur := h.node(t, models.NodeKindProcess, ops.OpBlur)
	h.connect(t, in, blur, models.PortPrimary)

	h.upload(t, in, []byte("src"))
	h.settle(t)
	require.EqualValues(t, 1, h.calls[ops.OpBlur].Load())

	h.sched.Notify(in)
	h.settle(t)
	assert.EqualValues(t, 1, h.calls[ops.OpBlur].Load())

	h.sched.Invalidate(blur)
	h.settle(t)
	assert.EqualValues(t, 2, h.calls[ops.OpBlur].Load())
}

func TestScheduler_ParamsChangeRecomputes(t *testing.T) {
	h := newHarness(t, 0, func(_ context.Context, req processor.Request) (processor.Response, error) {
		return processor.Response{Image: []byte(strconv.Itoa(req.Params["kernelSize"].Int()))}, nil
	})

	in := h.node(t, models.NodeKindInput, "")
	blur := h.node(t, models.NodeKindProcess, ops.OpBlur)
	h.connect(t, in, blur, models.PortPrimary)

	h.upload(t, in, []byte("src"))
	h.settle(t)
	assert.Equal(t, "5", h.image(t, blur))

	require.NoError(t, h.store.SetParams(blur, ops.OpBlur, models.Params{"kernelSize": models.Number(9)}))
	h.sched.Notify(blur)
	h.settle(t)
	assert.Equal(t, "9", h.image(t, blur))
	assert.EqualValues(t, 2, h.calls[ops.OpBlur].Load())
}

func TestScheduler_MissingSecondaryClearsResult(t *testing.T) {
	h := newHarness(t, 0, appendOp)

	a := h.node(t, models.NodeKindInput, "")
	b := h.node(t, models.NodeKindInput, "")
	mix := h.node(t, models.NodeKindProcess, ops.OpBlend)
	h.connect(t, a, mix, models.PortPrimary)

	h.upload(t, a, []byte("a"))
	h.settle(t)

	_, ok := h.store.Result(mix)
	assert.False(t, ok)
	assert.EqualValues(t, 0, h.calls[ops.OpBlend].Load())

	h.connect(t, b, mix, models.PortSecondary)
	h.upload(t, b, []byte("b"))
	h.settle(t)
	assert.Equal(t, "a|blend+b", h.image(t, mix))

	_, err := h.store.DeleteEdge(mix, models.PortSecondary)
	require.NoError(t, err)
	h.sched.Notify(mix)
	h.settle(t)

	_, ok = h.store.Result(mix)
	assert.False(t, ok)
}

func TestScheduler_UpstreamFailurePropagates(t *testing.T) {
	h := newHarness(t, 0, func(ctx context.Context, req processor.Request) (processor.Response, error) {
		if req.OpType == ops.OpBlur {
			return processor.Response{}, processor.Failf(req.OpType, "kernel size must be odd")
		}
		return appendOp(ctx, req)
	})

	in := h.node(t, models.NodeKindInput, "")
	blur := h.node(t, models.NodeKindProcess, ops.OpBlur)
	gray := h.node(t, models.NodeKindProcess, ops.OpGrayscale)
	h.connect(t, in, blur, models.PortPrimary)
	h.connect(t, blur, gray, models.PortPrimary)

	h.upload(t, in, []byte("src"))
	h.settle(t)

	blurEntry, ok := h.store.Result(blur)
	require.True(t, ok)
	assert.Contains(t, blurEntry.Err, "kernel size must be odd")

	grayEntry, ok := h.store.Result(gray)
	require.True(t, ok)
	assert.Equal(t, "upstream node "+string(blur)+" failed", grayEntry.Err)
	assert.EqualValues(t, 0, h.calls[ops.OpGrayscale].Load())
}

// stubbornBlur blocks its first call until release is closed and then
// succeeds with the kernel size it was asked for, whatever ctx says. Later
// calls answer at once.
func stubbornBlur(started chan<- struct{}, release <-chan struct{}) processor.Func {
	var first atomic.Bool
	first.Store(true)
	return func(_ context.Context, req processor.Request) (processor.Response, error) {
		if first.CompareAndSwap(true, false) {
			started <- struct{}{}
			<-release
		}
		return processor.Response{Image: []byte(strconv.Itoa(req.Params["kernelSize"].Int()))}, nil
	}
}

func waitStarted(t *testing.T, started <-chan struct{}) {
	t.Helper()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("processor was never called")
	}
}

func TestScheduler_SupersededCallIsDiscarded(t *testing.T) {
	for _, debounce := range []time.Duration{0, 20 * time.Millisecond} {
		t.Run(debounce.String(), func(t *testing.T) {
			started := make(chan struct{}, 1)
			release := make(chan struct{})
			h := newHarness(t, debounce, stubbornBlur(started, release))

			in := h.node(t, models.NodeKindInput, "")
			blur := h.node(t, models.NodeKindProcess, ops.OpBlur)
			h.connect(t, in, blur, models.PortPrimary)
			h.upload(t, in, []byte("src"))
			waitStarted(t, started)

			require.NoError(t, h.store.SetParams(blur, ops.OpBlur, models.Params{"kernelSize": models.Number(11)}))
			h.sched.Notify(blur)
			close(release)
			h.settle(t)

			assert.Equal(t, "11", h.image(t, blur))
			assert.EqualValues(t, 2, h.calls[ops.OpBlur].Load())
		})
	}
}

func TestScheduler_ForgetKeepsLateResultStale(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h := newHarness(t, 0, stubbornBlur(started, release))

	in := h.node(t, models.NodeKindInput, "")
	blur := h.node(t, models.NodeKindProcess, ops.OpBlur)
	h.connect(t, in, blur, models.PortPrimary)
	h.upload(t, in, []byte("src"))
	waitStarted(t, started)

	h.sched.Forget(blur)
	require.NoError(t, h.store.SetParams(blur, ops.OpBlur, models.Params{"kernelSize": models.Number(11)}))
	h.sched.Notify(blur)
	close(release)
	h.settle(t)

	assert.Equal(t, "11", h.image(t, blur))
	assert.EqualValues(t, 2, h.calls[ops.OpBlur].Load())
}

func TestScheduler_EditDuringDispatchIsPlanned(t *testing.T) {
	h := newHarness(t, 0, func(_ context.Context, req processor.Request) (processor.Response, error) {
		return processor.Response{Image: []byte(strconv.Itoa(req.Params["kernelSize"].Int()))}, nil
	})

	in := h.node(t, models.NodeKindInput, "")
	blur := h.node(t, models.NodeKindProcess, ops.OpBlur)
	h.connect(t, in, blur, models.PortPrimary)
	h.upload(t, in, []byte("src"))
	h.settle(t)
	require.Equal(t, "5", h.image(t, blur))

	// Wake the dispatcher while the lock is held, then edit and mark the
	// node dirty before it can plan.
	h.sched.mu.Lock()
	h.sched.kick()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, h.store.SetParams(blur, ops.OpBlur, models.Params{"kernelSize": models.Number(11)}))
	h.sched.markDirtyLocked(blur)
	h.sched.armLocked(blur)
	h.sched.mu.Unlock()
	h.settle(t)

	assert.Equal(t, "11", h.image(t, blur))
}

func TestScheduler_FailureIsMemoizedUntilInvalidated(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	h := newHarness(t, 0, func(ctx context.Context, req processor.Request) (processor.Response, error) {
		if fail.Load() {
			return processor.Response{}, processor.Failf(req.OpType, "service down")
		}
		return appendOp(ctx, req)
	})

	in := h.node(t, models.NodeKindInput, "")
	gray := h.node(t, models.NodeKindProcess, ops.OpGrayscale)
	h.connect(t, in, gray, models.PortPrimary)
	h.upload(t, in, []byte("src"))
	h.settle(t)

	entry, ok := h.store.Result(gray)
	require.True(t, ok)
	require.True(t, entry.Failed())

	fail.Store(false)
	h.sched.Notify(gray)
	h.settle(t)
	assert.EqualValues(t, 1, h.calls[ops.OpGrayscale].Load())

	h.sched.Invalidate(gray)
	h.settle(t)
	assert.Equal(t, "src|grayscale", h.image(t, gray))
	assert.EqualValues(t, 2, h.calls[ops.OpGrayscale].Load())
}

func TestScheduler_DebounceCoalescesEdits(t *testing.T) {
	h := newHarness(t, 40*time.Millisecond, appendOp)

	in := h.node(t, models.NodeKindInput, "")
	blur := h.node(t, models.NodeKindProcess, ops.OpBlur)
	h.connect(t, in, blur, models.PortPrimary)
	h.upload(t, in, []byte("src"))
	h.settle(t)
	require.EqualValues(t, 1, h.calls[ops.OpBlur].Load())

	for k := 1; k <= 5; k++ {
		require.NoError(t, h.store.SetParams(blur, ops.OpBlur, models.Params{"kernelSize": models.Number(float64(2*k + 1))}))
		h.sched.Notify(blur)
	}
	h.settle(t)

	assert.EqualValues(t, 2, h.calls[ops.OpBlur].Load())
}

func TestScheduler_NotifyMarksDownstreamDirty(t *testing.T) {
	h := newHarness(t, time.Hour, appendOp)

	in := h.node(t, models.NodeKindInput, "")
	blur := h.node(t, models.NodeKindProcess, ops.OpBlur)
	out := h.node(t, models.NodeKindOutput, "")
	other := h.node(t, models.NodeKindInput, "")
	h.connect(t, in, blur, models.PortPrimary)
	h.connect(t, blur, out, models.PortPrimary)

	h.sched.Notify(in)

	assert.True(t, h.sched.Dirty(in))
	assert.True(t, h.sched.Dirty(blur))
	assert.True(t, h.sched.Dirty(out))
	assert.False(t, h.sched.Dirty(other))
	assert.True(t, h.sched.Busy())

	h.sched.Forget(blur)
	assert.False(t, h.sched.Dirty(blur))
}

func TestScheduler_ListenerSeesEveryChange(t *testing.T) {
	h := newHarness(t, 0, appendOp)

	in := h.node(t, models.NodeKindInput, "")
	gray := h.node(t, models.NodeKindProcess, ops.OpGrayscale)
	out := h.node(t, models.NodeKindOutput, "")
	h.connect(t, in, gray, models.PortPrimary)
	h.connect(t, gray, out, models.PortPrimary)

	h.upload(t, in, []byte("src"))
	h.settle(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []models.NodeID{gray, out}, h.events)
}
