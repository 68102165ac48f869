// Package watcher implements the Path Watcher (C1): a recursive walk of the
// root directory at startup followed by a live fsnotify subscription,
// translating raw filesystem events into parsed pod log identities and
// dispatching NeedOpen/NeedWrite/NeedClose events.
//
// Grounded on scan/src/lib.rs in original_source (AutoScanner's
// parse_path_to_pei / prepare_scan / watch_start), adapted from notify's
// raw CREATE/WRITE/REMOVE ops onto fsnotify's richer combined op masks per
// spec.md §4.4.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/nodeharvest/harvest-agent/internal/dispatcher"
)

// Identity is the parsed pod log identity carried by NeedOpen/NeedWrite/
// NeedClose events, per spec.md §4.4.
type Identity struct {
	Namespace string
	Pod       string
	Container string
	Path      string
}

// UUID is the full path string, per spec.md §4.4 ("the uuid of the
// resulting record is the full path string").
func (i Identity) UUID() string { return i.Path }

// Watcher recursively discovers .log files under Dir belonging to
// Namespace, then streams filesystem changes for as long as Run is active.
type Watcher struct {
	log       *zap.Logger
	namespace string
	dir       string
	events    *dispatcher.Dispatcher[Identity]
}

// New builds a Watcher scoped to namespace under dir.
func New(namespace, dir string, events *dispatcher.Dispatcher[Identity], log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		log:       log.Named("watcher"),
		namespace: namespace,
		dir:       dir,
		events:    events,
	}
}

// ParsePath implements spec.md §4.4's path-parsing grammar: paths not
// starting with dir or not ending in ".log" are rejected; otherwise the
// path tail is split into <ns_pod_uuid>/<container>/<n>.log, and
// <ns_pod_uuid> is split on "_" into at least [namespace, pod_name, uid].
// A parse succeeds only if there are at least three underscore-segments and
// the first equals namespace.
func ParsePath(namespace, dir, path string) (Identity, bool) {
	if !strings.HasPrefix(path, dir) || !strings.HasSuffix(path, ".log") {
		return Identity{}, false
	}

	tail := strings.TrimPrefix(path, dir)
	tail = strings.TrimPrefix(tail, "/")

	parts := strings.SplitN(tail, "/", 2)
	if len(parts) != 2 {
		return Identity{}, false
	}
	nsPodUUID, remainder := parts[0], parts[1]

	segments := strings.Split(nsPodUUID, "_")
	if len(segments) < 3 || segments[0] != namespace {
		return Identity{}, false
	}

	containerAndFile := strings.SplitN(remainder, "/", 2)
	if len(containerAndFile) != 2 {
		return Identity{}, false
	}

	return Identity{
		Namespace: segments[0],
		Pod:       segments[1],
		Container: containerAndFile[0],
		Path:      path,
	}, true
}

// PrepareScan walks dir recursively, returning the parsed identity of every
// matching .log file found. Errors encountered walking individual entries
// are logged and skipped rather than aborting the whole walk.
func (w *Watcher) PrepareScan() ([]Identity, error) {
	var found []Identity
	err := filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.log.Warn("walk error, skipping entry", zap.String("path", path), zap.Error(err))
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if id, ok := ParsePath(w.namespace, w.dir, path); ok {
			found = append(found, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("watcher: walk %q: %w", w.dir, err)
	}
	return found, nil
}

// Run subscribes to filesystem changes under Dir and translates each raw
// event into NeedOpen/NeedWrite/NeedClose dispatches until ctx is canceled
// or the fsnotify event channel closes. It recursively adds every
// subdirectory discovered both at startup and as new ones are created.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.addRecursive(fsw, w.dir); err != nil {
		return fmt.Errorf("watcher: watch %q: %w", w.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info("watcher stopping", zap.Error(ctx.Err()))
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				w.log.Info("fsnotify event channel closed")
				return nil
			}
			w.handleEvent(fsw, ev)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("fsnotify reported an error", zap.Error(err))
		}
	}
}

func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if addErr := fsw.Add(path); addErr != nil {
				w.log.Warn("failed to watch directory", zap.String("path", path), zap.Error(addErr))
			}
		}
		return nil
	})
}

// handleEvent implements spec.md §4.4's raw-event-to-PathEvent mapping.
func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := fsw.Add(ev.Name); err != nil {
				w.log.Warn("failed to watch new directory", zap.String("path", ev.Name), zap.Error(err))
			}
			return
		}
	}

	switch classify(ev.Op) {
	case opOpen:
		w.dispatchParsed(dispatcher.KindNeedOpen, ev.Name)
	case opWrite:
		w.dispatchParsed(dispatcher.KindNeedWrite, ev.Name)
	case opOpenThenWrite:
		w.dispatchParsed(dispatcher.KindNeedOpen, ev.Name)
		w.dispatchParsed(dispatcher.KindNeedWrite, ev.Name)
	case opClose:
		w.dispatchParsed(dispatcher.KindNeedClose, ev.Name)
	case opIgnore:
	}
}

type opClass int

const (
	opIgnore opClass = iota
	opOpen
	opWrite
	opOpenThenWrite
	opClose
)

// classify implements spec.md §4.4's combined-op table:
//
//	Create                                -> NeedOpen
//	Write                                  -> NeedWrite
//	Remove                                 -> NeedClose
//	Create|Write                           -> NeedOpen then NeedWrite
//	CloseWrite (Write|Chmod on some OSes),
//	Create|Remove|Write, Create|Remove,
//	Remove|Write                           -> NeedClose
//	Rename (file moved away, any combination
//	not matched above)                     -> NeedClose
//	anything else                          -> ignored
func classify(op fsnotify.Op) opClass {
	hasCreate := op.Has(fsnotify.Create)
	hasWrite := op.Has(fsnotify.Write)
	hasRemove := op.Has(fsnotify.Remove)
	hasChmod := op.Has(fsnotify.Chmod)
	hasRename := op.Has(fsnotify.Rename)

	switch {
	case hasRemove && hasWrite:
		return opClose
	case hasCreate && hasRemove:
		return opClose
	case hasCreate && hasWrite:
		return opOpenThenWrite
	case hasWrite && hasChmod:
		return opClose
	case hasRemove || hasRename:
		return opClose
	case hasCreate:
		return opOpen
	case hasWrite:
		return opWrite
	default:
		return opIgnore
	}
}

func (w *Watcher) dispatchParsed(kind dispatcher.Kind, path string) {
	id, ok := ParsePath(w.namespace, w.dir, path)
	if !ok {
		return
	}
	w.events.Dispatch(kind, id)
}
