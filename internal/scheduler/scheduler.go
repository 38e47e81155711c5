package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"imgflow/internal/api/models"
	"imgflow/internal/blob"
	"imgflow/internal/graph"
	"imgflow/internal/ops"
	"imgflow/internal/processor"
)

// Listener receives every change the scheduler makes to a node's result.
// cleared is true when the entry was removed instead of replaced.
type Listener interface {
	OnResult(nodeID models.NodeID, entry models.ResultEntry, cleared bool)
}

type ListenerFunc func(nodeID models.NodeID, entry models.ResultEntry, cleared bool)

func (f ListenerFunc) OnResult(nodeID models.NodeID, entry models.ResultEntry, cleared bool) {
	f(nodeID, entry, cleared)
}

type Options struct {
	// FlowID namespaces the blob keys written for results.
	FlowID uint
	// Debounce is the quiet period a node must see after its last change
	// before it is recomputed.
	Debounce time.Duration
	// MaxConcurrent bounds the number of processor calls in flight.
	MaxConcurrent int
	Listener      Listener
	Logger        zerolog.Logger
}

type flight struct {
	gen    uint64
	cancel context.CancelFunc
}

type job struct {
	id     models.NodeID
	gen    uint64
	key    string
	ctx    context.Context
	flight *flight
	req    processor.Request
	inputs []input
	prev   models.ResultEntry
}

type event struct {
	id      models.NodeID
	entry   models.ResultEntry
	cleared bool
}

// Scheduler keeps the results in a graph.Store consistent with the graph and
// its params. Nodes become dirty through Notify and are recomputed in
// dependency order once their debounce window closes, skipping every node
// whose memo key did not change.
type Scheduler struct {
	store    *graph.Store
	registry *ops.Registry
	proc     processor.Processor
	blobs    blob.Store
	opts     Options
	logger   zerolog.Logger
	sem      *semaphore.Weighted
	wake     chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	dirty    map[models.NodeID]bool
	gen      map[models.NodeID]uint64
	memo     map[models.NodeID]string
	timers   map[models.NodeID]*time.Timer
	inflight map[models.NodeID]*flight
}

func New(store *graph.Store, proc processor.Processor, blobs blob.Store, opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	return &Scheduler{
		store:    store,
		registry: store.Registry(),
		proc:     proc,
		blobs:    blobs,
		opts:     opts,
		logger:   opts.Logger.With().Uint("flowId", opts.FlowID).Logger(),
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		wake:     make(chan struct{}, 1),
		dirty:    make(map[models.NodeID]bool),
		gen:      make(map[models.NodeID]uint64),
		memo:     make(map[models.NodeID]string),
		timers:   make(map[models.NodeID]*time.Timer),
		inflight: make(map[models.NodeID]*flight),
	}
}

// Run dispatches work until ctx is done. In-flight calls are cancelled on
// shutdown and Run returns once they have finished.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.shutdown()

	s.kick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.dispatch(ctx)
		}
	}
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[models.NodeID]*time.Timer)
	for _, f := range s.inflight {
		f.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Debug().Msg("Scheduler stopped")
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Notify marks every id and everything downstream of it dirty. In-flight
// calls for those nodes become stale and are cancelled. Each id restarts its
// debounce window.
//
// A node whose memo key is unchanged is not recomputed, and that includes a
// node whose last call failed. Use Invalidate to retry a failure.
func (s *Scheduler) Notify(ids ...models.NodeID) {
	snap := s.store.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		for _, d := range snap.Downstream(id) {
			s.markDirtyLocked(d)
		}
		if _, ok := snap.Node(id); ok {
			s.armLocked(id)
		}
	}
}

func (s *Scheduler) markDirtyLocked(id models.NodeID) {
	s.dirty[id] = true
	s.gen[id]++
	if f, ok := s.inflight[id]; ok {
		f.cancel()
	}
}

func (s *Scheduler) armLocked(id models.NodeID) {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	if s.opts.Debounce <= 0 {
		s.kick()
		return
	}

	var t *time.Timer
	t = time.AfterFunc(s.opts.Debounce, func() {
		s.mu.Lock()
		if s.timers[id] == t {
			delete(s.timers, id)
		}
		s.mu.Unlock()
		s.kick()
	})
	s.timers[id] = t
}

// Forget drops all state of a deleted node. A call still in flight for it is
// cancelled and its result discarded. The generation keeps counting so a late
// completion can never match a node restored under the same id.
func (s *Scheduler) Forget(id models.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.inflight[id]; ok {
		f.cancel()
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.gen[id]++
	delete(s.dirty, id)
	delete(s.memo, id)
	delete(s.timers, id)
}

// Invalidate forgets the memo key of id and re-dirties it, forcing a new
// processor call even when nothing changed. This is the caller-driven retry.
func (s *Scheduler) Invalidate(id models.NodeID) {
	s.mu.Lock()
	delete(s.memo, id)
	s.mu.Unlock()

	s.Notify(id)
}

// Dirty reports whether id is waiting for recomputation.
func (s *Scheduler) Dirty(id models.NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dirty[id]
}

// Busy reports whether any node is dirty, debouncing or computing.
func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.dirty) > 0 || len(s.timers) > 0 || len(s.inflight) > 0
}

// Settle blocks until the scheduler is idle or ctx is done.
func (s *Scheduler) Settle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for s.Busy() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// dispatch walks the graph in topological order and settles every dirty node
// whose inputs are fresh. Nodes that need the processor are started in their
// own goroutine; the rest are resolved inline so their dependents can follow
// in the same pass.
func (s *Scheduler) dispatch(ctx context.Context) {
	var events []event
	var jobs []*job

	// Snapshot under s.mu: every edit whose Notify returned is visible here.
	s.mu.Lock()
	snap := s.store.Snapshot()
	order, err := snap.TopoOrder()
	if err != nil {
		s.mu.Unlock()
		s.logger.Error().Err(err).Msg("Cannot schedule recomputation")
		return
	}
	for id := range s.dirty {
		if _, ok := snap.Node(id); !ok {
			delete(s.dirty, id)
		}
	}
	for _, id := range order {
		if !s.dirty[id] || s.timers[id] != nil || s.inflight[id] != nil {
			continue
		}
		if !s.inputsFreshLocked(snap, id) {
			continue
		}
		ev, j := s.planLocked(ctx, snap, id)
		if ev != nil {
			events = append(events, *ev)
		}
		if j != nil {
			jobs = append(jobs, j)
		}
	}
	s.mu.Unlock()

	s.emit(events)
	for _, j := range jobs {
		s.wg.Add(1)
		go s.run(j)
	}
}

func (s *Scheduler) inputsFreshLocked(snap *graph.Snapshot, id models.NodeID) bool {
	for _, port := range []models.Port{models.PortPrimary, models.PortSecondary} {
		up, ok := snap.Upstream(id, port)
		if !ok {
			continue
		}
		if s.dirty[up] || s.inflight[up] != nil {
			return false
		}
	}
	return true
}

// planLocked decides what a dirty node needs. It either resolves the node on
// the spot (returning an event when its result changed) or returns a job for
// the processor.
func (s *Scheduler) planLocked(ctx context.Context, snap *graph.Snapshot, id models.NodeID) (*event, *job) {
	node, _ := snap.Node(id)
	current, hasCurrent := s.store.Result(id)

	switch node.Kind {
	case models.NodeKindInput:
		// Input results are written by the uploader, never computed.
		delete(s.dirty, id)
		return nil, nil

	case models.NodeKindOutput:
		delete(s.dirty, id)
		up, ok := snap.Upstream(id, models.PortPrimary)
		var entry models.ResultEntry
		var found bool
		if ok {
			entry, found = s.store.Result(up)
		}
		if !found {
			return s.clearLocked(id, hasCurrent), nil
		}
		if hasCurrent && sameEntry(current, entry) {
			return nil, nil
		}
		_ = s.store.SetResult(id, entry)
		return &event{id: id, entry: entry}, nil
	}

	spec, err := s.registry.Lookup(node.OpType)
	if err != nil {
		delete(s.dirty, id)
		return s.setLocked(id, models.ErrorResult(err.Error()), current, hasCurrent), nil
	}
	params, _ := s.registry.ResolveParams(node.OpType, node.Params)

	ports := []models.Port{models.PortPrimary}
	if spec.Arity == 2 {
		ports = append(ports, models.PortSecondary)
	}

	inputs := make([]input, 0, len(ports))
	for _, port := range ports {
		up, ok := snap.Upstream(id, port)
		if !ok {
			delete(s.dirty, id)
			delete(s.memo, id)
			return s.clearLocked(id, hasCurrent), nil
		}
		entry, ok := s.store.Result(up)
		if !ok {
			delete(s.dirty, id)
			delete(s.memo, id)
			return s.clearLocked(id, hasCurrent), nil
		}
		if entry.Failed() {
			delete(s.dirty, id)
			delete(s.memo, id)
			return s.setLocked(id, models.ErrorResult(fmt.Sprintf("upstream node %s failed", up)), current, hasCurrent), nil
		}
		inputs = append(inputs, input{port: port, source: up, entry: entry})
	}

	key, err := memoKey(node.OpType, params, inputs)
	if err != nil {
		delete(s.dirty, id)
		return s.setLocked(id, models.ErrorResult(err.Error()), current, hasCurrent), nil
	}
	if hasCurrent && s.memo[id] == key {
		delete(s.dirty, id)
		return nil, nil
	}

	callCtx, cancel := context.WithCancel(ctx)
	f := &flight{gen: s.gen[id], cancel: cancel}
	s.inflight[id] = f

	s.logger.Debug().Str("nodeId", string(id)).Str("opType", node.OpType).Msg("Recomputing node")
	return nil, &job{
		id:     id,
		gen:    f.gen,
		key:    key,
		ctx:    callCtx,
		flight: f,
		req:    processor.Request{OpType: node.OpType, Params: params},
		inputs: inputs,
		prev:   current,
	}
}

func (s *Scheduler) clearLocked(id models.NodeID, hadResult bool) *event {
	if !hadResult {
		return nil
	}
	s.store.ClearResult(id)
	return &event{id: id, cleared: true}
}

func (s *Scheduler) setLocked(id models.NodeID, entry, current models.ResultEntry, hadResult bool) *event {
	if hadResult && sameEntry(entry, current) {
		return nil
	}
	_ = s.store.SetResult(id, entry)
	return &event{id: id, entry: entry}
}

func sameEntry(a, b models.ResultEntry) bool {
	return a.Handle == b.Handle && a.Digest == b.Digest && a.Err == b.Err && string(a.Metadata) == string(b.Metadata)
}

// run performs the processor call of one job and stores its outcome unless
// the node changed meanwhile.
func (s *Scheduler) run(j *job) {
	defer s.wg.Done()
	defer s.kick()
	defer j.flight.cancel()

	entry, err := s.compute(j)

	s.mu.Lock()
	stale := s.inflight[j.id] != j.flight || s.gen[j.id] != j.gen
	if s.inflight[j.id] == j.flight {
		delete(s.inflight, j.id)
	}
	if stale || errors.Is(err, context.Canceled) {
		current, _ := s.store.Result(j.id)
		s.mu.Unlock()
		s.logger.Debug().Str("nodeId", string(j.id)).Msg("Discarded stale result")
		if entry.Handle != "" && entry.Handle != current.Handle {
			_ = s.blobs.Delete(context.Background(), entry.Handle)
		}
		return
	}
	if err != nil {
		entry = models.ErrorResult(err.Error())
		s.logger.Warn().Err(err).Str("nodeId", string(j.id)).Msg("Node processing failed")
	}
	if setErr := s.store.SetResult(j.id, entry); setErr != nil {
		s.mu.Unlock()
		return
	}
	s.memo[j.id] = j.key
	delete(s.dirty, j.id)
	s.mu.Unlock()

	if j.prev.Handle != "" && j.prev.Handle != entry.Handle {
		_ = s.blobs.Delete(context.Background(), j.prev.Handle)
	}
	s.emit([]event{{id: j.id, entry: entry}})
}

func (s *Scheduler) compute(j *job) (models.ResultEntry, error) {
	if err := s.sem.Acquire(j.ctx, 1); err != nil {
		return models.ResultEntry{}, err
	}
	defer s.sem.Release(1)

	for _, in := range j.inputs {
		data, err := s.blobs.Get(j.ctx, in.entry.Handle)
		if err != nil {
			return models.ResultEntry{}, processor.Failf(j.req.OpType, "load input from node %s: %v", in.source, err)
		}
		if in.port == models.PortSecondary {
			j.req.Secondary = data
		} else {
			j.req.Image = data
		}
	}

	resp, err := s.proc.Process(j.ctx, j.req)
	if err != nil {
		if j.ctx.Err() != nil {
			return models.ResultEntry{}, context.Canceled
		}
		return models.ResultEntry{}, err
	}

	digest := Digest(resp.Image)
	handle := blob.Key(s.opts.FlowID, j.id, digest)
	if err = s.blobs.Put(context.Background(), handle, resp.Image); err != nil {
		return models.ResultEntry{}, processor.Failf(j.req.OpType, "store result: %v", err)
	}
	return models.ResultEntry{Handle: handle, Digest: digest, Metadata: resp.Metadata}, nil
}

func (s *Scheduler) emit(events []event) {
	if s.opts.Listener == nil {
		return
	}
	for _, ev := range events {
		s.opts.Listener.OnResult(ev.id, ev.entry, ev.cleared)
	}
}
