package tailer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/nodeharvest/harvest-agent/internal/filter"
	"github.com/nodeharvest/harvest-agent/internal/message"
	"github.com/nodeharvest/harvest-agent/internal/output"
	"github.com/nodeharvest/harvest-agent/internal/registry"
)

// worker owns one open file descriptor and one inbound command channel
// (its workerHandle). It is created, and its catch-up drain runs, on the
// goroutine that called Pool.Open; its steady-state loop then runs on a
// goroutine of its own.
type worker struct {
	pool *Pool
	log  *zap.Logger

	uuid          string
	namespace     string
	podName       string
	containerName string
	outputName    string
	ips           []string
	offset        int64 // local mirror of the registry offset, for the OffsetBytes gauge

	file    *os.File
	sink    output.Sink
	filter  *filter.Filter
	handle  *workerHandle
	pending []byte // bytes read but not yet forming a complete line
}

func newWorker(p *Pool, rec registry.PodRecord, h *workerHandle) (*worker, error) {
	file, err := os.Open(rec.UUID)
	if err != nil {
		return nil, fmt.Errorf("tailer: open %q: %w", rec.UUID, err)
	}
	if _, err := file.Seek(rec.Offset, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("tailer: seek %q to offset %d: %w", rec.UUID, rec.Offset, err)
	}

	sink, ok := p.outs.Get(rec.Output)
	if !ok {
		p.log.Warn("no sink registered for output name, dropping lines",
			zap.String("uuid", rec.UUID), zap.String("output", rec.Output))
		sink = discardSink{}
	}

	f, err := filter.Parse(rec.Filter)
	if err != nil {
		p.log.Warn("invalid filter, passing every line",
			zap.String("uuid", rec.UUID), zap.String("filter", rec.Filter), zap.Error(err))
		f, _ = filter.Parse("")
	}

	return &worker{
		pool:          p,
		log:           p.log.With(zap.String("uuid", rec.UUID)),
		uuid:          rec.UUID,
		namespace:     rec.Namespace,
		podName:       rec.PodName,
		containerName: rec.ContainerName,
		outputName:    rec.Output,
		ips:           rec.IPs,
		offset:        rec.Offset,
		file:          file,
		sink:          sink,
		filter:        f,
		handle:        h,
	}, nil
}

// loop is the worker's steady-state behavior after open+catch-up: receive
// one message, Close terminates, Wake drains newly appended bytes.
func (w *worker) loop() {
	defer func() {
		w.file.Close()
		<-w.pool.sem
		if w.pool.metrics != nil {
			w.pool.metrics.WorkersActive.Dec()
		}
		close(w.handle.done)
	}()

	for cmd := range w.handle.cmds {
		if cmd == cmdCloseWorker {
			return
		}
		if err := w.drain(); err != nil {
			w.log.Error("tail read failed, worker exiting; registry record is kept", zap.Error(err))
			return
		}
	}
}

// drain reads every byte currently available in the file, splits it into
// complete lines, and for each non-empty, filter-passing line: tags it,
// writes it to the bound sink, and advances the registry offset. Offset
// advances for every complete line consumed regardless of filter or sink
// outcome (offset-after-read, spec.md §9): the byte has left the reader's
// buffer either way. An incomplete trailing line is kept in w.pending for
// the next drain. Returns only on a genuine read error; reaching EOF with
// no more data is the normal, non-error way to stop.
func (w *worker) drain() error {
	buf := make([]byte, 64*1024)
	for {
		n, err := w.file.Read(buf)
		if n > 0 {
			w.pending = append(w.pending, buf[:n]...)
			w.consumeCompleteLines()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tailer: read %q: %w", w.uuid, err)
		}
		if n == 0 {
			return nil
		}
	}
}

func (w *worker) consumeCompleteLines() {
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			return
		}
		line := string(w.pending[:idx+1])
		w.pending = w.pending[idx+1:]
		w.emit(line)
	}
}

func (w *worker) emit(line string) {
	w.pool.reg.IncrementOffset(w.uuid, int64(len(line)))
	w.offset += int64(len(line))
	if m := w.pool.metrics; m != nil {
		m.OffsetBytes.WithLabelValues(w.namespace, w.podName, w.containerName).Set(float64(w.offset))
	}

	if isEmptyLine(line) {
		return
	}
	if !w.filter.Pass(strings.TrimRight(line, "\r\n")) {
		return
	}

	tagged := message.Tag(w.podName, w.containerName, w.ips, line)
	if err := w.sink.Write(tagged); err != nil {
		w.log.Error("output write failed, line dropped", zap.Error(err))
		if m := w.pool.metrics; m != nil {
			m.OutputErrorsTotal.WithLabelValues(w.namespace, w.podName, w.containerName, w.outputName).Inc()
		}
		return
	}
	if m := w.pool.metrics; m != nil {
		m.LinesEmittedTotal.WithLabelValues(w.namespace, w.podName, w.containerName, w.outputName).Inc()
	}
}

func isEmptyLine(line string) bool {
	return strings.TrimRight(line, "\r\n") == ""
}

// discardSink drops every message; used when a worker's configured output
// name has no registered sink, so a misconfigured pod still advances its
// offset instead of stalling.
type discardSink struct{}

func (discardSink) Write(message.Tagged) error { return nil }
