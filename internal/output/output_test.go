package output

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeharvest/harvest-agent/internal/message"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	counter := NewCounter()
	reg.Register("fake_output", counter)

	got, ok := reg.Get("fake_output")
	require.True(t, ok)
	assert.Same(t, counter, got)

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestStdoutWritesOneJSONLinePerMessage(t *testing.T) {
	var buf bytes.Buffer
	sink := NewStdout(&buf)

	require.NoError(t, sink.Write(message.Tag("web-0", "nginx", nil, "a\n")))
	require.NoError(t, sink.Write(message.Tag("web-0", "nginx", nil, "b\n")))

	lines := bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n"))
	assert.Len(t, lines, 2)
}

func TestCounterTracksLinesAndBytes(t *testing.T) {
	c := NewCounter()
	require.NoError(t, c.Write(message.Tag("web-0", "nginx", nil, "a\n")))
	require.NoError(t, c.Write(message.Tag("web-0", "nginx", nil, "b\n")))

	assert.EqualValues(t, 2, c.Lines.Load())
	assert.True(t, c.Bytes.Load() > 0)
	assert.Contains(t, c.Dump(), `"message":"a\n"`)
}

type fakeProducer struct {
	sent []string
	err  error
}

func (f *fakeProducer) SendMessage(topic string, key, value []byte) (int32, int64, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	f.sent = append(f.sent, topic)
	return 0, int64(len(f.sent)), nil
}

func TestKafkaSinkForwardsToProducer(t *testing.T) {
	p := &fakeProducer{}
	sink := NewKafka(p, "logs")

	require.NoError(t, sink.Write(message.Tag("web-0", "nginx", nil, "a\n")))
	assert.Equal(t, []string{"logs"}, p.sent)
}

func TestKafkaSinkWrapsProducerError(t *testing.T) {
	p := &fakeProducer{err: errors.New("broker unreachable")}
	sink := NewKafka(p, "logs")

	err := sink.Write(message.Tag("web-0", "nginx", nil, "a\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unreachable")
}
