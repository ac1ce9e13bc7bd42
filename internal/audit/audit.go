// Package audit records side effects as append-only events. Recording never
// blocks a request path: events flow through a bounded buffer to a background
// flusher, and the oldest buffered event is dropped when the buffer is full.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus/internal/model"
	"github.com/sells-group/corpus/internal/resilience"
	"github.com/sells-group/corpus/internal/store"
)

// Recorder is the write side of the audit pipeline.
type Recorder interface {
	Record(actor, action, resource, collection, detail string)
}

// Config tunes the audit pipeline buffer and flush cadence.
type Config struct {
	BufferSize    int           `yaml:"buffer_size" mapstructure:"buffer_size"`
	BatchSize     int           `yaml:"batch_size" mapstructure:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
	OverflowPath  string        `yaml:"overflow_path" mapstructure:"overflow_path"`
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	return c
}

// Service buffers audit events and flushes them to the store in batches.
type Service struct {
	cfg    Config
	store  store.Store
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	events chan model.AuditEvent
	done   chan struct{}

	dropped int64
}

// New starts the background flusher.
func New(s store.Store, cfg Config) *Service {
	cfg = cfg.withDefaults()
	svc := &Service{
		cfg:    cfg,
		store:  s,
		logger: zap.L().Named("audit"),
		events: make(chan model.AuditEvent, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	go svc.run()
	return svc
}

// Record enqueues one event. When the buffer is full the oldest buffered
// event is discarded so recent activity survives a slow store.
func (s *Service) Record(actor, action, resource, collection, detail string) {
	ev := model.AuditEvent{
		ID:         uuid.New().String(),
		Actor:      actor,
		Action:     action,
		Resource:   resource,
		Collection: collection,
		Detail:     detail,
		Timestamp:  time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		select {
		case old := <-s.events:
			s.dropped++
			s.logger.Warn("audit: buffer full, dropping oldest event",
				zap.String("dropped_action", old.Action),
				zap.Int64("dropped_total", s.dropped))
		default:
		}
	}
}

func (s *Service) run() {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]model.AuditEvent, 0, s.cfg.BatchSize)
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				s.flush(batch)
				close(s.done)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= s.cfg.BatchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// flush writes a batch with short retries; only after the retries are spent
// does the batch spill to the overflow file.
func (s *Service) flush(batch []model.AuditEvent) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	retry := resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		// every failed insert is worth a brief retry before the batch
		// is spilled to disk
		ShouldRetry: func(error) bool { return true },
		OnRetry:     resilience.RetryLogger("store", "insert audit events"),
	}
	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		return s.store.InsertAuditEvents(ctx, batch)
	})
	if err != nil {
		s.logger.Error("audit: flush failed, spilling to overflow file",
			zap.Int("events", len(batch)), zap.Error(err))
		if spillErr := s.spill(batch); spillErr != nil {
			s.logger.Error("audit: overflow spill failed, events lost",
				zap.Int("events", len(batch)), zap.Error(spillErr))
		}
	}
}

// spill appends events as JSON lines so a failed flush is recoverable by an
// operator instead of silently lost.
func (s *Service) spill(batch []model.AuditEvent) error {
	if s.cfg.OverflowPath == "" {
		return eris.New("audit: no overflow path configured")
	}
	f, err := os.OpenFile(s.cfg.OverflowPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return eris.Wrap(err, "audit: open overflow file")
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, ev := range batch {
		if err := enc.Encode(ev); err != nil {
			return eris.Wrap(err, "audit: encode overflow event")
		}
	}
	return nil
}

// Dropped reports how many events were discarded to a full buffer.
func (s *Service) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close drains the buffer and flushes whatever remains.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()
	<-s.done
	return nil
}

// Nop is a Recorder that discards everything. Used by tests and the
// migrate command, which has no audit pipeline.
type Nop struct{}

func (Nop) Record(actor, action, resource, collection, detail string) {}
