package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"imgflow"
	"imgflow/internal/api/models"
	"imgflow/internal/api/repo"
	"imgflow/internal/blob"
	"imgflow/internal/codec"
	"imgflow/internal/gen"
	"imgflow/internal/graph"
	"imgflow/internal/ops"
	"imgflow/internal/processor"
	"imgflow/internal/scheduler"
)

var (
	ErrFlowNotFound   = errors.New("flow not found")
	ErrResultNotFound = errors.New("result not found")
)

// FlowRepository persists flows. *repo.FlowRepository is the gorm implementation.
type FlowRepository interface {
	FindByID(id uint) (models.Flow, error)
	FindAll() ([]models.Flow, error)
	Create(flow *models.Flow) error
	SaveDocument(id uint, document models.FlowDocument) error
	Delete(id uint) error
}

// ResultListener is told about every result change of every open flow.
type ResultListener interface {
	OnFlowResult(flowID uint, nodeID models.NodeID, entry models.ResultEntry, cleared bool)
}

type FlowServiceOptions struct {
	Registry      *ops.Registry
	Processor     processor.Processor
	Blobs         blob.Store
	Debounce      time.Duration
	MaxConcurrent int
	Logger        zerolog.Logger
}

// session is one open flow: its graph, its scheduler and the goroutine
// running that scheduler.
type session struct {
	flowID uint
	// mu serializes compound mutations so a read-then-write sequence sees no
	// interleaved edit of the same flow.
	mu     sync.Mutex
	store  *graph.Store
	sched  *scheduler.Scheduler
	cancel context.CancelFunc
	done   chan struct{}
}

// FlowService owns the open flow sessions. Graph edits go through it so the
// scheduler is always told what changed.
type FlowService struct {
	repo      FlowRepository
	opts      FlowServiceOptions
	logger    zerolog.Logger
	listeners []ResultListener

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	sessions map[uint]*session
}

// NewFlowService builds the service on the gorm repository and global logger.
func NewFlowService(opts FlowServiceOptions) *FlowService {
	return NewFlowServiceWithRepo(repo.NewFlowRepository(), opts)
}

func NewFlowServiceWithRepo(flows FlowRepository, opts FlowServiceOptions) *FlowService {
	if opts.Registry == nil {
		opts.Registry = ops.DefaultRegistry
	}
	if opts.Blobs == nil {
		opts.Blobs = blob.NewMemoryStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	return &FlowService{
		repo:     flows,
		opts:     opts,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		group:    group,
		sessions: make(map[uint]*session),
	}
}

// DefaultFlowServiceOptions fills the options from the loaded configuration.
func DefaultFlowServiceOptions(proc processor.Processor, blobs blob.Store) FlowServiceOptions {
	cfg := imgflow.GetConfig()
	return FlowServiceOptions{
		Registry:      ops.DefaultRegistry,
		Processor:     proc,
		Blobs:         blobs,
		Debounce:      cfg.SchedulerConfig.Debounce,
		MaxConcurrent: cfg.SchedulerConfig.MaxConcurrent,
		Logger:        imgflow.Logger,
	}
}

// AddListener registers l for result events. Call before serving requests.
func (slf *FlowService) AddListener(l ResultListener) {
	slf.listeners = append(slf.listeners, l)
}

func (slf *FlowService) Registry() *ops.Registry {
	return slf.opts.Registry
}

func (slf *FlowService) emit(flowID uint, nodeID models.NodeID, entry models.ResultEntry, cleared bool) {
	for _, l := range slf.listeners {
		l.OnFlowResult(flowID, nodeID, entry, cleared)
	}
}

// Create stores a new empty flow and opens it.
func (slf *FlowService) Create(name string) (models.Flow, error) {
	flow := models.Flow{Name: name}
	if err := slf.repo.Create(&flow); err != nil {
		slf.logger.Error().Err(err).Msg("Error creating flow")
		return models.Flow{}, err
	}
	if _, err := slf.session(flow.ID); err != nil {
		return models.Flow{}, err
	}
	return flow, nil
}

func (slf *FlowService) FindAll() ([]models.Flow, error) {
	flows, err := slf.repo.FindAll()
	if err != nil {
		slf.logger.Error().Err(err).Msg("Error listing flows")
		return nil, err
	}
	return flows, nil
}

// session returns the open session of flowID, loading it from the
// repository on first use.
func (slf *FlowService) session(flowID uint) (*session, error) {
	slf.mu.Lock()
	defer slf.mu.Unlock()

	if s, ok := slf.sessions[flowID]; ok {
		return s, nil
	}
	if slf.ctx.Err() != nil {
		return nil, fmt.Errorf("flow service is shut down")
	}

	flow, err := slf.repo.FindByID(flowID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrFlowNotFound, flowID)
		}
		slf.logger.Error().Err(err).Uint("flowId", flowID).Msg("Error loading flow")
		return nil, err
	}

	s := slf.newSession(flowID)
	if len(flow.Document) > 0 {
		if err = slf.restore(slf.ctx, s, flow.Document); err != nil {
			return nil, fmt.Errorf("load flow %d: %w", flowID, err)
		}
	}
	slf.start(s)
	slf.sessions[flowID] = s

	slf.logger.Info().Uint("flowId", flowID).Int("nodes", s.store.Snapshot().Len()).Msg("Flow session opened")
	return s, nil
}

func (slf *FlowService) newSession(flowID uint) *session {
	store := graph.NewStore(slf.opts.Registry)
	s := &session{flowID: flowID, store: store, done: make(chan struct{})}
	s.sched = scheduler.New(store, slf.opts.Processor, slf.opts.Blobs, scheduler.Options{
		FlowID:        flowID,
		Debounce:      slf.opts.Debounce,
		MaxConcurrent: slf.opts.MaxConcurrent,
		Logger:        slf.logger,
		Listener: scheduler.ListenerFunc(func(nodeID models.NodeID, entry models.ResultEntry, cleared bool) {
			slf.emit(flowID, nodeID, entry, cleared)
		}),
	})
	return s
}

func (slf *FlowService) start(s *session) {
	ctx, cancel := context.WithCancel(slf.ctx)
	s.cancel = cancel
	slf.group.Go(func() error {
		defer close(s.done)
		s.sched.Run(ctx)
		return nil
	})
	slf.notifyMissing(s)
}

// notifyMissing schedules every non-input node that has no result yet.
// Results restored from a document are kept as they are.
func (slf *FlowService) notifyMissing(s *session) {
	snap := s.store.Snapshot()
	var ids []models.NodeID
	for _, n := range snap.Nodes() {
		if n.Kind == models.NodeKindInput {
			continue
		}
		if _, ok := snap.Result(n.ID); !ok {
			ids = append(ids, n.ID)
		}
	}
	if len(ids) > 0 {
		s.sched.Notify(ids...)
	}
}

// Close stops the scheduler of flowID and drops the session. Unsaved edits
// are lost.
func (slf *FlowService) Close(flowID uint) error {
	slf.mu.Lock()
	s, ok := slf.sessions[flowID]
	delete(slf.sessions, flowID)
	slf.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrFlowNotFound, flowID)
	}
	s.cancel()
	<-s.done

	slf.logger.Info().Uint("flowId", flowID).Msg("Flow session closed")
	return nil
}

// Delete closes the flow if open and removes it from the repository.
func (slf *FlowService) Delete(flowID uint) error {
	_ = slf.Close(flowID)
	if err := slf.repo.Delete(flowID); err != nil {
		slf.logger.Error().Err(err).Uint("flowId", flowID).Msg("Error deleting flow")
		return err
	}
	return nil
}

// Shutdown stops every scheduler and waits for in-flight calls to finish.
func (slf *FlowService) Shutdown() error {
	slf.cancel()
	err := slf.group.Wait()

	slf.mu.Lock()
	slf.sessions = make(map[uint]*session)
	slf.mu.Unlock()
	return err
}

func (slf *FlowService) Snapshot(flowID uint) (*graph.Snapshot, error) {
	s, err := slf.session(flowID)
	if err != nil {
		return nil, err
	}
	return s.store.Snapshot(), nil
}

// Settle waits until the scheduler of flowID is idle.
func (slf *FlowService) Settle(ctx context.Context, flowID uint) error {
	s, err := slf.session(flowID)
	if err != nil {
		return err
	}
	return s.sched.Settle(ctx)
}

func (slf *FlowService) AddNode(flowID uint, kind models.NodeKind, opType string) (models.Node, error) {
	s, err := slf.session(flowID)
	if err != nil {
		return models.Node{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.AddNode(kind, opType)
}

// DeleteNode removes the node, its edges and its result. Former children lose
// an input and are rescheduled.
func (slf *FlowService) DeleteNode(ctx context.Context, flowID uint, id models.NodeID) error {
	s, err := slf.session(flowID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.store.Snapshot()
	children := snap.Children(id)
	result, hadResult := snap.Result(id)

	if err = s.store.DeleteNode(id); err != nil {
		return err
	}
	s.sched.Forget(id)
	if len(children) > 0 {
		s.sched.Notify(children...)
	}
	if hadResult && result.Handle != "" && !sharedHandle(snap, id, result.Handle) {
		if err = slf.opts.Blobs.Delete(ctx, result.Handle); err != nil {
			slf.logger.Warn().Err(err).Str("nodeId", string(id)).Msg("Failed to delete result blob")
		}
	}
	return nil
}

// sharedHandle reports whether another node's result points at handle, as
// output nodes mirror their upstream entry.
func sharedHandle(snap *graph.Snapshot, except models.NodeID, handle string) bool {
	for id, r := range snap.Results() {
		if id != except && r.Handle == handle {
			return true
		}
	}
	return false
}

// AddEdge connects two nodes, replacing any edge already on the target port.
func (slf *FlowService) AddEdge(flowID uint, edge models.Edge) (*models.Edge, error) {
	s, err := slf.session(flowID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced, err := s.store.AddEdge(edge)
	if err != nil {
		return nil, err
	}
	s.sched.Notify(edge.Target)
	return replaced, nil
}

func (slf *FlowService) DeleteEdge(flowID uint, target models.NodeID, port models.Port) (models.Edge, error) {
	s, err := slf.session(flowID)
	if err != nil {
		return models.Edge{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	edge, err := s.store.DeleteEdge(target, port)
	if err != nil {
		return models.Edge{}, err
	}
	s.sched.Notify(target)
	return edge, nil
}

// SetParams merges partial into the node params and reschedules it.
func (slf *FlowService) SetParams(flowID uint, id models.NodeID, opType string, partial models.Params) (models.Node, error) {
	s, err := slf.session(flowID)
	if err != nil {
		return models.Node{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err = s.store.SetParams(id, opType, partial); err != nil {
		return models.Node{}, err
	}
	s.sched.Notify(id)
	node, _ := s.store.Node(id)
	return node, nil
}

// SetInput stores an uploaded image as the result of an input node.
func (slf *FlowService) SetInput(ctx context.Context, flowID uint, id models.NodeID, data []byte) (models.ResultEntry, error) {
	s, err := slf.session(flowID)
	if err != nil {
		return models.ResultEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.store.Node(id)
	if !ok {
		return models.ResultEntry{}, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, id)
	}
	if node.Kind != models.NodeKindInput {
		return models.ResultEntry{}, fmt.Errorf("%w: node %s is not an input", graph.ErrInvalidNode, id)
	}

	digest := scheduler.Digest(data)
	entry := models.ResultEntry{Handle: blob.Key(flowID, id, digest), Digest: digest}
	if err = slf.opts.Blobs.Put(ctx, entry.Handle, data); err != nil {
		return models.ResultEntry{}, err
	}

	previous, hadPrevious := s.store.Result(id)
	if err = s.store.SetResult(id, entry); err != nil {
		return models.ResultEntry{}, err
	}
	if hadPrevious && previous.Handle != entry.Handle {
		_ = slf.opts.Blobs.Delete(ctx, previous.Handle)
	}

	slf.emit(flowID, id, entry, false)
	s.sched.Notify(id)
	return entry, nil
}

// Image returns the result entry of a node and, unless it is an error
// marker, the image bytes it points at.
func (slf *FlowService) Image(ctx context.Context, flowID uint, id models.NodeID) ([]byte, models.ResultEntry, error) {
	s, err := slf.session(flowID)
	if err != nil {
		return nil, models.ResultEntry{}, err
	}
	if _, ok := s.store.Node(id); !ok {
		return nil, models.ResultEntry{}, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, id)
	}
	entry, ok := s.store.Result(id)
	if !ok {
		return nil, models.ResultEntry{}, fmt.Errorf("%w: node %s", ErrResultNotFound, id)
	}
	if entry.Failed() {
		return nil, entry, nil
	}
	data, err := slf.opts.Blobs.Get(ctx, entry.Handle)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, entry, fmt.Errorf("%w: node %s", ErrResultNotFound, id)
		}
		return nil, entry, err
	}
	return data, entry, nil
}

// Retry forces a node to be recomputed even if nothing changed.
func (slf *FlowService) Retry(flowID uint, id models.NodeID) error {
	s, err := slf.session(flowID)
	if err != nil {
		return err
	}
	if _, ok := s.store.Node(id); !ok {
		return fmt.Errorf("%w: %s", graph.ErrNodeNotFound, id)
	}
	s.sched.Invalidate(id)
	return nil
}

// Generate renders the current graph of flowID as a program in lang.
func (slf *FlowService) Generate(flowID uint, lang gen.Language) (string, error) {
	s, err := slf.session(flowID)
	if err != nil {
		return "", err
	}
	return gen.Generate(s.store.Snapshot(), slf.opts.Registry, lang)
}

// Export encodes the flow with the results selected by scope.
func (slf *FlowService) Export(ctx context.Context, flowID uint, scope codec.Scope) ([]byte, error) {
	s, err := slf.session(flowID)
	if err != nil {
		return nil, err
	}
	return slf.export(ctx, s, scope)
}

func (slf *FlowService) export(ctx context.Context, s *session, scope codec.Scope) ([]byte, error) {
	snap := s.store.Snapshot()

	payloads := make(map[models.NodeID]codec.Payload)
	if scope != codec.ScopeNone {
		for id, entry := range snap.Results() {
			if scope == codec.ScopeInputOnly {
				if n, _ := snap.Node(id); n.Kind != models.NodeKindInput {
					continue
				}
			}
			if entry.Failed() {
				payloads[id] = codec.Payload{Error: entry.Err}
				continue
			}
			data, err := slf.opts.Blobs.Get(ctx, entry.Handle)
			if err != nil {
				slf.logger.Warn().Err(err).Str("nodeId", string(id)).Msg("Result image unavailable, not exported")
				continue
			}
			payloads[id] = codec.Payload{Image: data, Metadata: entry.Metadata}
		}
	}

	return codec.Encode(snap.Graph(), payloads, scope)
}

// Import replaces the content of flowID with a decoded document. On any
// error the flow is left as it was.
func (slf *FlowService) Import(ctx context.Context, flowID uint, data []byte) error {
	s, err := slf.session(flowID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.store.Snapshot()
	if err = slf.restore(ctx, s, data); err != nil {
		return err
	}

	for _, id := range previous.NodeIDs() {
		s.sched.Forget(id)
	}
	for id, entry := range previous.Results() {
		if entry.Handle != "" {
			if r, ok := s.store.Result(id); !ok || r.Handle != entry.Handle {
				_ = slf.opts.Blobs.Delete(ctx, entry.Handle)
			}
		}
	}
	slf.notifyMissing(s)
	return nil
}

// restore decodes data into s.store. Payload images are written to the blob
// store first and removed again when the restore is rejected.
func (slf *FlowService) restore(ctx context.Context, s *session, data []byte) error {
	doc, err := codec.Decode(data)
	if err != nil {
		return err
	}

	results := make(map[models.NodeID]models.ResultEntry, len(doc.Results))
	var written []string
	for id, p := range doc.Results {
		if p.Error != "" {
			results[id] = models.ErrorResult(p.Error)
			continue
		}
		digest := scheduler.Digest(p.Image)
		entry := models.ResultEntry{Handle: blob.Key(s.flowID, id, digest), Digest: digest, Metadata: p.Metadata}
		if err = slf.opts.Blobs.Put(ctx, entry.Handle, p.Image); err != nil {
			_ = slf.opts.Blobs.Delete(ctx, written...)
			return err
		}
		if current, ok := s.store.Result(id); !ok || current.Handle != entry.Handle {
			written = append(written, entry.Handle)
		}
		results[id] = entry
	}

	if err = s.store.Restore(doc.Graph, results); err != nil {
		_ = slf.opts.Blobs.Delete(ctx, written...)
		return err
	}
	return nil
}

// Save encodes the flow with scope and writes it to the repository.
func (slf *FlowService) Save(ctx context.Context, flowID uint, scope codec.Scope) error {
	s, err := slf.session(flowID)
	if err != nil {
		return err
	}
	document, err := slf.export(ctx, s, scope)
	if err != nil {
		return err
	}
	if err = slf.repo.SaveDocument(flowID, document); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %d", ErrFlowNotFound, flowID)
		}
		slf.logger.Error().Err(err).Uint("flowId", flowID).Msg("Error saving flow")
		return err
	}

	slf.logger.Info().Uint("flowId", flowID).Str("scope", string(scope)).Int("bytes", len(document)).Msg("Flow saved")
	return nil
}
