// Package registry implements the Pod Registry (C2): the single source of
// truth for every known log file, mutated only through one serialized
// command channel so that no record is ever touched by two goroutines at
// once. Grounded on the serialized-applier pattern of db/src/database.rs in
// original_source (one thread draining an unbounded channel into a guarded
// HashMap). Offsets are plain int64 fields updated by the applier; no
// atomic counters are used here.
package registry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nodeharvest/harvest-agent/internal/dispatcher"
)

// State is a PodRecord's collection lifecycle state.
type State string

const (
	StateReady   State = "Ready"
	StateRunning State = "Running"
	StateStopped State = "Stopped"
)

// PodRecord is the registry's unit of state, keyed by UUID (the absolute
// log-file path). See spec.md §3 for the field contract.
type PodRecord struct {
	UUID          string
	Namespace     string
	PodName       string
	ContainerName string
	Offset        int64
	Upload        bool
	State         State
	Filter        string
	Output        string
	IPs           []string
}

func (p PodRecord) clone() PodRecord {
	if p.IPs != nil {
		ips := make([]string, len(p.IPs))
		copy(ips, p.IPs)
		p.IPs = ips
	}
	return p
}

// mergeFrom applies the {Upload, Filter, Output, IPs} fields of other onto
// p, preserving Offset, State and identity fields. This is the "merge if
// present" half of the Apply command contract (spec.md §4.1).
func (p *PodRecord) mergeFrom(other PodRecord) {
	p.Upload = other.Upload
	p.Filter = other.Filter
	p.Output = other.Output
	if other.IPs != nil {
		p.IPs = other.IPs
	}
	p.transitionForUpload()
}

// transitionForUpload effects the state-diagram edges driven purely by the
// Upload flag: Ready/Stopped -> Running on upload=true, Running -> Stopped
// on upload=false. Side effects (actually opening/closing a tailer worker)
// are left to Pool listeners reacting to the Update event this produces;
// the Registry only owns the bookkeeping state.
func (p *PodRecord) transitionForUpload() {
	switch {
	case p.Upload && p.State != StateRunning:
		p.State = StateRunning
	case !p.Upload && p.State == StateRunning:
		p.State = StateStopped
	}
}

// command is the internal sum type carried on the applier channel. Exactly
// one of its fields is meaningful per kind.
type commandKind int

const (
	cmdApply commandKind = iota
	cmdDiscover
	cmdDelete
	cmdDeleteByNsPod
	cmdIncrementOffset
	cmdSetUploadByNsPod
	cmdClose
)

type command struct {
	kind      commandKind
	record    PodRecord
	uuid      string
	namespace string
	pod       string
	delta     int64
	upload    bool
	ips       []string
	done      chan struct{} // closed once applied; nil for fire-and-forget commands
}

// Registry is the serialized state machine driven by a single-consumer
// command channel. Producers (watcher, control ingress, HTTP admin,
// tailer workers) call the exported methods below, which enqueue a command;
// one background goroutine (started by Run) applies commands in arrival
// order.
type Registry struct {
	log    *zap.Logger
	events *dispatcher.Dispatcher[PodRecord]
	cmds   chan command

	mu   sync.RWMutex // guards pods; write-locked only from the applier goroutine
	pods map[string]PodRecord

	done chan struct{}
}

// New builds a Registry. Call Run to start its applier goroutine before
// sending any commands that must be observed (commands sent before Run are
// buffered up to the channel capacity and processed once Run starts).
func New(events *dispatcher.Dispatcher[PodRecord], log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:    log.Named("registry"),
		events: events,
		cmds:   make(chan command, 4096),
		pods:   make(map[string]PodRecord),
		done:   make(chan struct{}),
	}
}

// Run is the applier: it blocks draining r.cmds until a Close command is
// applied or ctx is cancelled, applying every command to the map in arrival
// order and emitting the resulting Dispatcher event. Run returns once
// stopped; callers typically run it in its own goroutine.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("applier stopping: context cancelled")
			return
		case cmd, ok := <-r.cmds:
			if !ok {
				return
			}
			if cmd.kind == cmdClose {
				if cmd.done != nil {
					close(cmd.done)
				}
				r.log.Info("applier stopping: close command received")
				return
			}
			r.apply(cmd)
			if cmd.done != nil {
				close(cmd.done)
			}
		}
	}
}

// Done reports the channel closed once Run has returned.
func (r *Registry) Done() <-chan struct{} { return r.done }

func (r *Registry) apply(cmd command) {
	switch cmd.kind {
	case cmdApply:
		r.applyUpsert(cmd.record)
	case cmdDiscover:
		r.applyDiscover(cmd.record)
	case cmdDelete:
		r.applyDelete(cmd.uuid)
	case cmdDeleteByNsPod:
		r.applyDeleteByNsPod(cmd.namespace, cmd.pod)
	case cmdIncrementOffset:
		r.applyIncrementOffset(cmd.uuid, cmd.delta)
	case cmdSetUploadByNsPod:
		r.applySetUploadByNsPod(cmd.namespace, cmd.pod, cmd.upload, cmd.ips)
	default:
		r.log.Warn("applier received malformed command", zap.Int("kind", int(cmd.kind)))
	}
}

func (r *Registry) applyUpsert(rec PodRecord) {
	r.mu.Lock()
	existing, ok := r.pods[rec.UUID]
	var result PodRecord
	if !ok {
		result = rec.clone()
		if result.State == "" {
			result.State = StateReady
		}
		result.transitionForUpload()
		r.pods[rec.UUID] = result
	} else {
		existing.mergeFrom(rec)
		r.pods[rec.UUID] = existing
		result = existing
	}
	r.mu.Unlock()

	if !ok {
		r.events.Dispatch(dispatcher.KindAdd, result.clone())
	} else {
		r.events.Dispatch(dispatcher.KindUpdate, result.clone())
	}
}

// applyDiscover inserts rec only if its UUID is absent; an existing record
// is left completely untouched. Unlike applyUpsert, a repeat discovery of
// an already-known path (e.g. a stray Create folded into an already-running
// collector's Create|Write event, spec.md §4.4) can never merge a blank
// Upload/Filter/Output/IPs onto the live record.
func (r *Registry) applyDiscover(rec PodRecord) {
	r.mu.Lock()
	if _, ok := r.pods[rec.UUID]; ok {
		r.mu.Unlock()
		return
	}
	result := rec.clone()
	if result.State == "" {
		result.State = StateReady
	}
	result.transitionForUpload()
	r.pods[rec.UUID] = result
	r.mu.Unlock()

	r.events.Dispatch(dispatcher.KindAdd, result.clone())
}

func (r *Registry) applyDelete(uuid string) {
	r.mu.Lock()
	rec, ok := r.pods[uuid]
	if ok {
		delete(r.pods, uuid)
	}
	r.mu.Unlock()

	if ok {
		r.events.Dispatch(dispatcher.KindDelete, rec.clone())
	}
}

func (r *Registry) applyDeleteByNsPod(namespace, pod string) {
	r.mu.Lock()
	var removed []PodRecord
	for uuid, rec := range r.pods {
		if rec.Namespace == namespace && rec.PodName == pod {
			removed = append(removed, rec)
			delete(r.pods, uuid)
		}
	}
	r.mu.Unlock()

	for _, rec := range removed {
		r.events.Dispatch(dispatcher.KindDelete, rec.clone())
	}
}

func (r *Registry) applyIncrementOffset(uuid string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.pods[uuid]
	if !ok {
		return
	}
	rec.Offset += delta
	r.pods[uuid] = rec
	// Deliberately no Dispatch here: IncrementOffset is the hot-path counter
	// update and must not pay for a listener fan-out on every line.
}

func (r *Registry) applySetUploadByNsPod(namespace, pod string, upload bool, ips []string) {
	r.mu.Lock()
	var updated []PodRecord
	for uuid, rec := range r.pods {
		if rec.Namespace == namespace && rec.PodName == pod {
			rec.Upload = upload
			if ips != nil {
				rec.IPs = ips
			}
			rec.transitionForUpload()
			r.pods[uuid] = rec
			updated = append(updated, rec)
		}
	}
	r.mu.Unlock()

	for _, rec := range updated {
		r.events.Dispatch(dispatcher.KindUpdate, rec.clone())
	}
}

// --- producer-facing API -------------------------------------------------

// Apply inserts rec if its UUID is absent, else merges {Upload, Filter,
// Output, IPs} into the existing record, preserving Offset. Fire-and-forget.
func (r *Registry) Apply(rec PodRecord) {
	r.send(command{kind: cmdApply, record: rec.clone()})
}

// ApplySync is like Apply but blocks until the command has been applied,
// useful in tests that need a happens-before edge with the applier.
func (r *Registry) ApplySync(rec PodRecord) {
	r.sendSync(command{kind: cmdApply, record: rec.clone()})
}

// Discover inserts rec if its UUID is absent; it never merges onto an
// existing record. Use this instead of Apply for producers (the Path
// Watcher's NeedOpen listener) that only ever learn identity fields and
// must not stomp Upload/Filter/Output/IPs on a path that is already known.
func (r *Registry) Discover(rec PodRecord) {
	r.send(command{kind: cmdDiscover, record: rec.clone()})
}

// DiscoverSync is the synchronous form of Discover.
func (r *Registry) DiscoverSync(rec PodRecord) {
	r.sendSync(command{kind: cmdDiscover, record: rec.clone()})
}

// Delete removes the record with the given uuid, if present.
func (r *Registry) Delete(uuid string) {
	r.send(command{kind: cmdDelete, uuid: uuid})
}

// DeleteSync is the synchronous form of Delete.
func (r *Registry) DeleteSync(uuid string) {
	r.sendSync(command{kind: cmdDelete, uuid: uuid})
}

// DeleteByNsPod removes every record matching (namespace, pod).
func (r *Registry) DeleteByNsPod(namespace, pod string) {
	r.send(command{kind: cmdDeleteByNsPod, namespace: namespace, pod: pod})
}

// IncrementOffset adds delta to the record's Offset. No event is emitted;
// this is the hot path called once per emitted line by a tailer worker.
func (r *Registry) IncrementOffset(uuid string, delta int64) {
	r.send(command{kind: cmdIncrementOffset, uuid: uuid, delta: delta})
}

// SetUploadByNsPod sets Upload (and the derived State) on every record
// matching (namespace, pod). A non-nil ips replaces the record's IPs (the
// control-plane directive's per-pod ips, spec.md §4.5/§6); pass nil to leave
// IPs untouched.
func (r *Registry) SetUploadByNsPod(namespace, pod string, upload bool, ips []string) {
	r.send(command{kind: cmdSetUploadByNsPod, namespace: namespace, pod: pod, upload: upload, ips: ips})
}

// SetUploadByNsPodSync is the synchronous form of SetUploadByNsPod.
func (r *Registry) SetUploadByNsPodSync(namespace, pod string, upload bool, ips []string) {
	r.sendSync(command{kind: cmdSetUploadByNsPod, namespace: namespace, pod: pod, upload: upload, ips: ips})
}

// Close asks the applier to drain pending commands and exit. It blocks
// until Run has returned.
func (r *Registry) Close() {
	done := make(chan struct{})
	select {
	case r.cmds <- command{kind: cmdClose, done: done}:
		select {
		case <-done:
		case <-r.done:
			// Run had already stopped; nobody will apply this command.
		}
	case <-r.done:
		// already stopped
	}
	<-r.done
}

func (r *Registry) send(cmd command) {
	select {
	case r.cmds <- cmd:
	case <-r.done:
		r.log.Warn("dropping command after applier stopped", zap.Int("kind", int(cmd.kind)))
	}
}

func (r *Registry) sendSync(cmd command) {
	cmd.done = make(chan struct{})
	select {
	case r.cmds <- cmd:
		select {
		case <-cmd.done:
		case <-r.done:
		}
	case <-r.done:
		r.log.Warn("dropping sync command after applier stopped", zap.Int("kind", int(cmd.kind)))
	}
}

// --- read-only snapshots --------------------------------------------------
// Reads take the shared RLock and clone: the map is owned exclusively by
// the applier goroutine, and a read handle must never be held across a
// write. Read-after-write linearizability is not promised (spec.md §4.1);
// callers that need it should observe the Update/Add/Delete event instead.

// Get returns a cloned snapshot of the record with the given uuid.
func (r *Registry) Get(uuid string) (PodRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.pods[uuid]
	if !ok {
		return PodRecord{}, false
	}
	return rec.clone(), true
}

// SliceByNsPod returns a cloned snapshot of every record matching
// (namespace, pod). Order is unspecified.
func (r *Registry) SliceByNsPod(namespace, pod string) []PodRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []PodRecord
	for _, rec := range r.pods {
		if rec.Namespace == namespace && rec.PodName == pod {
			out = append(out, rec.clone())
		}
	}
	return out
}

// Snapshot returns a cloned copy of every record currently known.
func (r *Registry) Snapshot() []PodRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PodRecord, 0, len(r.pods))
	for _, rec := range r.pods {
		out = append(out, rec.clone())
	}
	return out
}

// String renders a PodRecord for logging/debugging.
func (p PodRecord) String() string {
	return fmt.Sprintf("PodRecord{uuid=%s ns=%s pod=%s container=%s offset=%d upload=%t state=%s}",
		p.UUID, p.Namespace, p.PodName, p.ContainerName, p.Offset, p.Upload, p.State)
}
