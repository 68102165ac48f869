// Package output implements the pluggable output sinks named by spec.md §1
// ("stdout, counter, Kafka") and the process-wide name -> sink table
// described in spec.md §4.3 ("Output binding"). Grounded on
// output/src/lib.rs in original_source: the IOutput trait there becomes the
// Sink interface here, and FakeOutput becomes the Counter sink used by
// tests in place of a real backend.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/atomic"

	"github.com/nodeharvest/harvest-agent/internal/message"
)

// Sink is implemented by every output backend. Write may block; a blocked
// sink blocks only the tailer worker that owns it, never the Registry or
// the Pool's handle map (spec.md §4.3). Implementations must carry their
// own internal synchronization since a sink can be shared by workers from
// multiple pods.
type Sink interface {
	Write(msg message.Tagged) error
}

// Registry is a process-wide name -> Sink table, populated once at
// startup (spec.md §5, "Shared-resource policy").
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewRegistry returns an empty sink registry.
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]Sink)}
}

// Register binds name to sink, replacing any previous binding.
func (r *Registry) Register(name string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = sink
}

// Get resolves name to a Sink. ok is false if no sink is bound to name.
func (r *Registry) Get(name string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sink, ok := r.sinks[name]
	return sink, ok
}

// Stdout writes each tagged record as one JSON line to an underlying
// io.Writer (os.Stdout in production). Grounded on FakeOutput's
// println!("{}", item.string()) behavior.
type Stdout struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdout wraps w (use os.Stdout in production; a bytes.Buffer in tests).
func NewStdout(w io.Writer) *Stdout {
	return &Stdout{w: w}
}

func (s *Stdout) Write(msg message.Tagged) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("output: marshal tagged message: %w", err)
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(b)
	return err
}

// Counter is a test/diagnostic sink that counts lines and bytes instead of
// forwarding them anywhere, the Go equivalent of original_source's
// FakeOutput used throughout its test suite.
type Counter struct {
	Lines atomic.Int64
	Bytes atomic.Int64

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewCounter returns a zero-valued Counter sink.
func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) Write(msg message.Tagged) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("output: marshal tagged message: %w", err)
	}
	c.Lines.Inc()
	c.Bytes.Add(int64(len(b)))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(b)
	c.buf.WriteByte('\n')
	return nil
}

// Dump returns every line written so far, newline-joined, for test
// assertions.
func (c *Counter) Dump() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// Producer is the narrow shape of a Kafka producer this package depends
// on, matching github.com/IBM/sarama's SyncProducer.SendMessage signature
// closely enough that a real Sarama-backed implementation can satisfy it
// directly. The core does not import Sarama itself (see DESIGN.md) so
// that a test build never needs a running broker.
type Producer interface {
	SendMessage(topic string, key, value []byte) (partition int32, offset int64, err error)
}

// Kafka forwards each tagged record to topic via an injected Producer.
type Kafka struct {
	producer Producer
	topic    string
}

// NewKafka binds a Kafka sink to topic via producer.
func NewKafka(producer Producer, topic string) *Kafka {
	return &Kafka{producer: producer, topic: topic}
}

func (k *Kafka) Write(msg message.Tagged) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("output: marshal tagged message: %w", err)
	}
	_, _, err = k.producer.SendMessage(k.topic, []byte(msg.Custom.NodeID), b)
	if err != nil {
		return fmt.Errorf("output: kafka send to topic %q: %w", k.topic, err)
	}
	return nil
}
