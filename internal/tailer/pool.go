// Package tailer implements the Reader/Writer Pool (C4): at most one
// worker per active file, each seeking to the registry's recorded offset
// on open, tailing appended lines, and publishing offset increments back
// to the Registry. Grounded on file/src/lib.rs in original_source (the
// FileReaderWriter type there: a map of path -> (sender, join handle),
// open_event/write_event/close_event) generalized to the contract in
// spec.md §4.3, including the bounded worker-pool budget that
// original_source's unbounded thread::spawn-per-file never had.
package tailer

import (
	"sync"

	"go.uber.org/zap"

	"github.com/nodeharvest/harvest-agent/internal/output"
	"github.com/nodeharvest/harvest-agent/internal/registry"
	"github.com/nodeharvest/harvest-agent/internal/status"
)

// DefaultPoolSize is the operator-configurable worker budget's default,
// per spec.md §4.3.
const DefaultPoolSize = 1000

type workerCmd int

const (
	cmdWake workerCmd = iota
	cmdCloseWorker
)

// workerHandle is the unique identity of a live worker: a single-capacity
// command sender plus a join token, per spec.md §3.
type workerHandle struct {
	cmds chan workerCmd
	done chan struct{}
}

// Pool maintains a mapping uuid -> WorkerHandle and exposes Open,
// NotifyWrite and Close as described in spec.md §4.3.
type Pool struct {
	log  *zap.Logger
	reg  *registry.Registry
	outs *output.Registry

	sem chan struct{} // bounded worker budget

	mu      sync.Mutex
	handles map[string]*workerHandle

	metrics *status.Metrics // nil unless SetMetrics is called
}

// SetMetrics wires prometheus metrics into the pool. Nil-safe to leave
// unset; every call site checks for nil before recording.
func (p *Pool) SetMetrics(m *status.Metrics) {
	p.metrics = m
}

// NewPool builds a Pool bounded to poolSize concurrent workers.
func NewPool(reg *registry.Registry, outs *output.Registry, poolSize int, log *zap.Logger) *Pool {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		log:     log.Named("tailer"),
		reg:     reg,
		outs:    outs,
		sem:     make(chan struct{}, poolSize),
		handles: make(map[string]*workerHandle),
	}
}

// Open is idempotent: if uuid already has a handle this is a no-op.
// Otherwise it opens the file, seeks to rec.Offset, drains every line
// already buffered up to the current EOF (the catch-up phase, advancing
// the registry offset as it goes), and starts a worker goroutine bound to
// a fresh single-slot command channel. The handle is inserted into the
// pool's map before anything that can block or yield control (the
// idempotency check itself, and the insert, happen under one critical
// section), closing the race spec.md §9 calls out: a concurrent
// NotifyWrite for the same uuid will always see the handle, never start a
// second opener.
//
// Open blocks for as long as the worker budget is saturated (spec.md
// §4.3's "open enqueues the worker") and for the duration of the catch-up
// read. Production wiring (cmd/harvest-agent's dispatcher listeners) calls Open
// from its own goroutine so the Dispatcher's synchronous fan-out is never
// blocked by a slow open (spec.md §9's design note on listener bodies
// staying non-blocking).
func (p *Pool) Open(rec registry.PodRecord) error {
	h, alreadyOpen := p.registerHandle(rec.UUID)
	if alreadyOpen {
		return nil
	}

	p.sem <- struct{}{} // may block: bounded worker budget

	w, err := newWorker(p, rec, h)
	if err != nil {
		<-p.sem
		p.removeHandle(rec.UUID)
		close(h.done)
		p.log.Error("open failed, leaving record unstarted",
			zap.String("uuid", rec.UUID), zap.Error(err))
		return err
	}

	if err := w.drain(); err != nil {
		w.file.Close()
		<-p.sem
		p.removeHandle(rec.UUID)
		close(h.done)
		p.log.Error("catch-up read failed, leaving record unstarted",
			zap.String("uuid", rec.UUID), zap.Error(err))
		return err
	}

	if p.metrics != nil {
		p.metrics.WorkersActive.Inc()
	}
	go w.loop()
	return nil
}

func (p *Pool) registerHandle(uuid string) (*workerHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[uuid]; ok {
		return h, true
	}
	h := &workerHandle{cmds: make(chan workerCmd, 1), done: make(chan struct{})}
	p.handles[uuid] = h
	return h, false
}

func (p *Pool) removeHandle(uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handles, uuid)
}

func (p *Pool) lookupHandle(uuid string) (*workerHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[uuid]
	return h, ok
}

// NotifyWrite wakes the worker for uuid. If no worker exists yet it
// consults the Registry: when a record exists with Upload true it opens
// the file first (which also performs catch-up) and then wakes it; an
// unknown or non-uploading uuid is dropped, per spec.md §4.3.
func (p *Pool) NotifyWrite(uuid string) {
	if h, ok := p.lookupHandle(uuid); ok {
		wake(h)
		return
	}

	rec, ok := p.reg.Get(uuid)
	if !ok || !rec.Upload {
		return
	}
	if err := p.Open(rec); err != nil {
		return
	}
	if h, ok := p.lookupHandle(uuid); ok {
		wake(h)
	}
}

func wake(h *workerHandle) {
	select {
	case h.cmds <- cmdWake:
	default:
		// Single-slot channel: a pending Wake is already queued, and
		// read_line drains everything new in one pass, so the extra
		// notification is safe to drop (spec.md §4.3).
	}
}

// Close removes the handle immediately and sends Close to its channel (the
// worker may already be mid-drain and will see it on its next receive). A
// pending Wake occupying the single slot is discarded to make room, since
// Close supersedes it. Close does not wait for the worker goroutine to
// exit, and once the handle is removed WaitClosed cannot wait for it either.
func (p *Pool) Close(uuid string) {
	p.mu.Lock()
	h, ok := p.handles[uuid]
	if ok {
		delete(p.handles, uuid)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	for {
		select {
		case h.cmds <- cmdCloseWorker:
			return
		default:
		}
		select {
		case <-h.cmds:
		default:
		}
	}
}

// WaitClosed blocks until the worker whose handle is currently registered
// for uuid has fully exited. It looks the handle up in the pool's map, so
// it returns immediately when uuid has no handle, including after Close
// has removed it. It is a test/shutdown convenience, not part of the core
// hot path.
func (p *Pool) WaitClosed(uuid string) {
	h, ok := p.lookupHandle(uuid)
	if !ok {
		return
	}
	<-h.done
}

// Has reports whether uuid currently has a live (or opening) worker handle.
func (p *Pool) Has(uuid string) bool {
	_, ok := p.lookupHandle(uuid)
	return ok
}

// ActiveWorkers returns the number of worker handles currently tracked,
// including handles whose Open is still in progress.
func (p *Pool) ActiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// CloseAll closes every tracked worker, for graceful shutdown (spec.md §5).
func (p *Pool) CloseAll() {
	p.mu.Lock()
	uuids := make([]string, 0, len(p.handles))
	for uuid := range p.handles {
		uuids = append(uuids, uuid)
	}
	p.mu.Unlock()

	for _, uuid := range uuids {
		p.Close(uuid)
	}
}
