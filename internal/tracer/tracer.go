// Package tracer records sampled, masked execution steps without blocking
// the request path.
package tracer

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chatflow/internal/masking"
	"github.com/rendis/chatflow/pkg/schema"
)

// DefaultBufferSize is the number of step records held before new ones are
// dropped.
const DefaultBufferSize = 256

// Store is the persistence the tracer writes to.
type Store interface {
	AppendStep(ctx context.Context, step *schema.ExecutionStep) error
	PurgeSteps(ctx context.Context, now time.Time) (int64, error)
}

// StepRecord is one executed step as seen by the engine.
type StepRecord struct {
	SessionID      string
	FlowID         string
	NodeID         string
	NodeType       schema.NodeType
	StepNumber     int64
	Level          schema.TraceLevel
	StateBefore    map[string]any
	StateAfter     map[string]any
	Input          any
	Details        map[string]any
	ConnectionType schema.ConnectionType
	NextNodeID     string
	StartedAt      time.Time
	CompletedAt    time.Time
	Err            error
}

// Options configures a Tracer.
type Options struct {
	BufferSize int
	Masker     *masking.Masker
	Logger     *slog.Logger
}

// Tracer persists step records from a single writer goroutine.
type Tracer struct {
	store  Store
	masker *masking.Masker
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan *schema.ExecutionStep
	done    chan struct{}
	dropped atomic.Int64
	written atomic.Int64
}

// New creates a Tracer and starts its writer.
func New(store Store, opts Options) *Tracer {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Masker == nil {
		opts.Masker = masking.New(masking.Options{})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	t := &Tracer{
		store:  store,
		masker: opts.Masker,
		logger: opts.Logger.With(slog.String("module", "tracer")),
		queue:  make(chan *schema.ExecutionStep, opts.BufferSize),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

// ShouldTrace is the sampling decision for a new session.
func (t *Tracer) ShouldTrace(def *schema.FlowDefinition, sessionToken string) bool {
	return ShouldTrace(def, sessionToken)
}

// ShouldTrace reports whether a session of def with the given token is
// traced. The decision is deterministic per token: the first four bytes of
// md5(token), read big-endian, modulo 100 are compared against the rate.
func ShouldTrace(def *schema.FlowDefinition, sessionToken string) bool {
	if def == nil || !def.TraceEnabled {
		return false
	}
	rate := def.TraceSampleRate
	if rate >= 100 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return bucket(sessionToken) < uint32(rate)
}

func bucket(token string) uint32 {
	sum := md5.Sum([]byte(token))
	return binary.BigEndian.Uint32(sum[:4]) % 100
}

// Record masks rec and queues it for persistence. It never blocks; when the
// buffer is full the record is dropped.
func (t *Tracer) Record(ctx context.Context, rec StepRecord) {
	step := t.build(rec)

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.dropped.Add(1)
		return
	}
	select {
	case t.queue <- step:
	default:
		t.dropped.Add(1)
		t.logger.WarnContext(ctx, "trace buffer full, step dropped",
			slog.String("session_id", rec.SessionID), slog.String("node_id", rec.NodeID))
	}
}

func (t *Tracer) build(rec StepRecord) *schema.ExecutionStep {
	level := rec.Level
	if level == "" {
		level = schema.TraceLevelStandard
	}
	completed := rec.CompletedAt
	if completed.IsZero() {
		completed = time.Now().UTC()
	}
	started := rec.StartedAt
	if started.IsZero() {
		started = completed
	}

	step := &schema.ExecutionStep{
		ID:             uuid.New().String(),
		SessionID:      rec.SessionID,
		FlowID:         rec.FlowID,
		NodeID:         rec.NodeID,
		NodeType:       rec.NodeType,
		StepNumber:     rec.StepNumber,
		ConnectionType: rec.ConnectionType,
		NextNodeID:     rec.NextNodeID,
		StartedAt:      started.UTC(),
		CompletedAt:    &completed,
		DurationMS:     completed.Sub(started).Milliseconds(),
	}
	if rec.Err != nil {
		step.ErrorMessage = t.masker.MaskString(rec.Err.Error())
	}
	if level == schema.TraceLevelMinimal {
		return step
	}

	step.StateBefore = t.marshal(t.masker.MaskState(rec.StateBefore))
	step.StateAfter = t.marshal(t.masker.MaskState(rec.StateAfter))

	details := make(map[string]any, len(rec.Details)+1)
	for k, v := range rec.Details {
		details[k] = v
	}
	if level == schema.TraceLevelVerbose && rec.Input != nil {
		details["input"] = rec.Input
	}
	if len(details) > 0 {
		step.ExecutionDetails = t.marshal(t.masker.Mask(details))
	}

	var fe *schema.FlowError
	if errors.As(rec.Err, &fe) {
		step.ErrorDetails = t.marshal(t.masker.Mask(map[string]any{
			"code":    fe.Code,
			"node_id": fe.NodeID,
			"details": fe.Details,
		}))
	}
	return step
}

func (t *Tracer) marshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		t.logger.Warn("trace payload not serializable", slog.String("error", err.Error()))
		return nil
	}
	return b
}

func (t *Tracer) run() {
	defer close(t.done)
	for step := range t.queue {
		// Detached from the request: the step outlives it.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := t.store.AppendStep(ctx, step); err != nil {
			t.logger.Error("trace write failed",
				slog.String("session_id", step.SessionID),
				slog.String("node_id", step.NodeID),
				slog.String("error", err.Error()))
		} else {
			t.written.Add(1)
		}
		cancel()
	}
}

// Close stops accepting records and waits until queued ones are written.
func (t *Tracer) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		<-t.done
		return
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()
	<-t.done
}

// PurgeRetention deletes steps older than their flow's retention_days.
func (t *Tracer) PurgeRetention(ctx context.Context, now time.Time) (int64, error) {
	n, err := t.store.PurgeSteps(ctx, now)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "purge trace retention failed").WithCause(err)
	}
	return n, nil
}

// Stats reports written and dropped record counts.
func (t *Tracer) Stats() (written, dropped int64) {
	return t.written.Load(), t.dropped.Load()
}
