package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka event sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// MaxAttempts defaults to 3.
	MaxAttempts int
	// WriteTimeout is the per-attempt timeout, default 5s.
	WriteTimeout time.Duration
	// Buffer is the number of queued events before new ones are dropped.
	Buffer int
	Logger *slog.Logger
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink produces every event to a topic keyed by workflow id, so one
// workflow's events land on one partition in order. Writes happen on a
// background goroutine; a full queue drops events.
type KafkaSink struct {
	writer       messageWriter
	queue        chan Event
	maxAttempts  int
	writeTimeout time.Duration
	logger       *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewKafkaSink starts a sink that writes events to cfg.Topic keyed by
// workflow id. Close flushes the queue.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic required")
	}
	cfg = cfg.withDefaults()
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
	})
	return newKafkaSink(w, cfg), nil
}

func (cfg KafkaConfig) withDefaults() KafkaConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	return cfg
}

func newKafkaSink(w messageWriter, cfg KafkaConfig) *KafkaSink {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	k := &KafkaSink{
		writer:       w,
		queue:        make(chan Event, cfg.Buffer),
		maxAttempts:  cfg.MaxAttempts,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
		done:         make(chan struct{}),
	}
	go k.run()
	return k
}

// Publish queues e without blocking; a full queue drops the event.
func (k *KafkaSink) Publish(ctx context.Context, e Event) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return
	}
	select {
	case k.queue <- e:
	default:
		k.logger.Warn("kafka sink queue full, dropping event", "workflow_id", e.WorkflowID, "type", e.Type)
	}
}

func (k *KafkaSink) run() {
	defer close(k.done)
	for e := range k.queue {
		if err := k.produce(context.Background(), e); err != nil {
			k.logger.Error("kafka produce failed", "workflow_id", e.WorkflowID, "type", e.Type, "err", err)
		}
	}
}

func (k *KafkaSink) produce(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.WorkflowID.String()),
		Value: value,
		Time:  e.Timestamp,
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= k.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, k.writeTimeout)
		err := k.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < k.maxAttempts {
			time.Sleep(backoff)
			if backoff < 2*time.Second {
				backoff *= 2
			}
		}
	}
	return fmt.Errorf("produce failed after %d attempts: %w", k.maxAttempts, lastErr)
}

// Close stops accepting events, drains the queue and closes the writer.
func (k *KafkaSink) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	close(k.queue)
	k.mu.Unlock()
	<-k.done
	return k.writer.Close()
}
