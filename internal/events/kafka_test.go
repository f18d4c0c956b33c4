package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	messages []kafka.Message
	closed   bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestKafkaSinkKeysByWorkflowAndRetries(t *testing.T) {
	w := &fakeWriter{failures: 1}
	sink := newKafkaSink(w, KafkaConfig{MaxAttempts: 3, WriteTimeout: time.Second})

	wf := uuid.New()
	b := NewBroker(WithSink(sink))
	b.Publish(AgentStarted(wf, "clustering"))
	b.Publish(AgentCompleted(wf, "clustering", map[string]interface{}{"clusters": 3}))

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
	require.Len(t, w.messages, 2)
	for _, m := range w.messages {
		assert.Equal(t, wf.String(), string(m.Key))
	}
	assert.Contains(t, string(w.messages[0].Value), `"agent_started"`)
	assert.Contains(t, string(w.messages[1].Value), `"agent_completed"`)

	// Publishing after close is a no-op.
	sink.Publish(context.Background(), WorkflowComplete(wf))
	assert.NoError(t, sink.Close())
}

func TestNewKafkaSinkValidates(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Topic: "planner.events"})
	assert.Error(t, err)
	_, err = NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

func TestNewKafkaSinkUsesWriteTimeout(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "planner.events", WriteTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer sink.Close()

	w, ok := sink.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, w.WriteTimeout)
	assert.Equal(t, 2*time.Second, sink.writeTimeout)

	defaults, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "planner.events"})
	require.NoError(t, err)
	defer defaults.Close()
	assert.Equal(t, 5*time.Second, defaults.writer.(*kafka.Writer).WriteTimeout)
}
