// Package tracestore records one ExecutionTrace per command invocation.
//
// Traces are kept in an injected key-value store under a "trace:" prefix
// with most-recent-N retention: when the cap is reached the oldest trace
// is evicted, finished or not. Reads of evicted or unknown ids report
// "not found" rather than an error — the diagnostic path treats a missing
// trace as stale history, not a failure.
package tracestore

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/runrelay/relay/internal/model"
	"github.com/runrelay/relay/internal/store"
	"github.com/runrelay/relay/internal/telemetry"
)

const keyPrefix = "trace:"

// Store manages execution trace lifecycles. Mutations are serialized so a
// read-modify-write on one trace cannot interleave with another; the
// backing store only needs per-key atomicity.
type Store struct {
	kv        store.Store
	logger    *slog.Logger
	retention int

	mu    sync.Mutex
	order []uuid.UUID // insertion order, oldest first

	evicted int64
}

// keyLister is the optional backend capability retention recovery needs.
// Both shipped backends implement it; a custom store that doesn't simply
// starts with an empty eviction order.
type keyLister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// New creates a trace store keeping at most retention traces. Traces
// already present in a durable backend are adopted into the eviction
// order, oldest first, so the retention cap holds across restarts.
func New(kv store.Store, logger *slog.Logger, retention int) *Store {
	s := &Store{
		kv:        kv,
		logger:    logger,
		retention: retention,
	}
	s.recoverOrder(context.Background())
	return s
}

// recoverOrder rebuilds s.order from traces persisted before this
// process started. Without it, pre-restart traces would sit outside the
// eviction order forever and the state file would grow on every restart.
func (s *Store) recoverOrder(ctx context.Context) {
	lister, ok := s.kv.(keyLister)
	if !ok {
		return
	}
	keys, err := lister.Keys(ctx, keyPrefix)
	if err != nil {
		s.logger.Warn("tracestore: recovery scan failed", "error", err)
		return
	}

	type recovered struct {
		id        uuid.UUID
		startedAt time.Time
	}
	var found []recovered
	for _, key := range keys {
		id, err := uuid.Parse(strings.TrimPrefix(key, keyPrefix))
		if err != nil {
			// Not one of ours; a malformed key would otherwise leak forever.
			_ = s.kv.Delete(ctx, key)
			continue
		}
		var tr model.ExecutionTrace
		if err := s.kv.Get(ctx, key, &tr); err != nil {
			_ = s.kv.Delete(ctx, key)
			continue
		}
		found = append(found, recovered{id: id, startedAt: tr.StartedAt})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].startedAt.Before(found[j].startedAt) })

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range found {
		s.order = append(s.order, r.id)
	}
	s.evictLocked(ctx)
	if len(s.order) > 0 {
		s.logger.Info("tracestore: recovered traces", "count", len(s.order))
	}
}

// Begin starts a new trace for a command invocation and returns its id.
// Exactly one trace exists per invocation; Begin never reuses ids.
func (s *Store) Begin(ctx context.Context, commandName, requester string) uuid.UUID {
	id := uuid.New()
	tr := model.ExecutionTrace{
		TraceID:     id,
		CommandName: commandName,
		Requester:   requester,
		StartedAt:   time.Now().UTC(),
		Steps:       []model.TraceStep{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Set(ctx, keyPrefix+id.String(), tr, 0); err != nil {
		// Tracing is observability, not correctness: log and carry on with
		// an id the rest of the invocation can still stamp into logs.
		s.logger.Warn("tracestore: begin failed", "error", err, "command", commandName)
		return id
	}
	s.order = append(s.order, id)
	s.evictLocked(ctx)
	return id
}

// Step appends a completed step to the trace. Unknown ids are ignored.
func (s *Store) Step(ctx context.Context, traceID uuid.UUID, name string, duration time.Duration, outcome model.StepOutcome) {
	s.mutate(ctx, traceID, func(tr *model.ExecutionTrace) {
		tr.Steps = append(tr.Steps, model.TraceStep{
			Name:       name,
			DurationMS: duration.Milliseconds(),
			Outcome:    outcome,
		})
	})
}

// SetCorrelation records the correlation id minted for this invocation.
func (s *Store) SetCorrelation(ctx context.Context, traceID uuid.UUID, correlationID string) {
	s.mutate(ctx, traceID, func(tr *model.ExecutionTrace) {
		tr.CorrelationID = correlationID
	})
}

// Finish marks the trace complete, recording the terminal error if any.
// A trace is finished at most once; later calls overwrite the error but
// keep the original finish time.
func (s *Store) Finish(ctx context.Context, traceID uuid.UUID, cause error) {
	s.mutate(ctx, traceID, func(tr *model.ExecutionTrace) {
		if tr.FinishedAt == nil {
			now := time.Now().UTC()
			tr.FinishedAt = &now
		}
		if cause != nil {
			tr.LastError = cause.Error()
		}
	})
}

// Get returns the trace for id. The second return is false for evicted or
// unknown ids.
func (s *Store) Get(ctx context.Context, traceID uuid.UUID) (model.ExecutionTrace, bool) {
	var tr model.ExecutionTrace
	err := s.kv.Get(ctx, keyPrefix+traceID.String(), &tr)
	if errors.Is(err, store.ErrNotFound) {
		return model.ExecutionTrace{}, false
	}
	if err != nil {
		s.logger.Warn("tracestore: get failed", "error", err)
		return model.ExecutionTrace{}, false
	}
	return tr, true
}

func (s *Store) mutate(ctx context.Context, traceID uuid.UUID, fn func(*model.ExecutionTrace)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyPrefix + traceID.String()
	var tr model.ExecutionTrace
	if err := s.kv.Get(ctx, key, &tr); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("tracestore: read for update failed", "error", err)
		}
		return
	}
	fn(&tr)
	if err := s.kv.Set(ctx, key, tr, 0); err != nil {
		s.logger.Warn("tracestore: update failed", "error", err)
	}
}

// evictLocked drops oldest traces beyond the retention cap. Caller holds mu.
func (s *Store) evictLocked(ctx context.Context) {
	for len(s.order) > s.retention {
		oldest := s.order[0]
		s.order = s.order[1:]
		if err := s.kv.Delete(ctx, keyPrefix+oldest.String()); err != nil {
			s.logger.Warn("tracestore: evict failed", "error", err)
		}
		s.evicted++
	}
}

// RegisterMetrics registers observable gauges for trace store health.
// Call after the global meter provider has been initialized.
func (s *Store) RegisterMetrics() {
	meter := telemetry.Meter("relay/tracestore")

	_, _ = meter.Int64ObservableGauge("relay.traces.live",
		metric.WithDescription("Number of traces currently retained"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			s.mu.Lock()
			n := len(s.order)
			s.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("relay.traces.evicted_total",
		metric.WithDescription("Total traces evicted by retention"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			s.mu.Lock()
			n := s.evicted
			s.mu.Unlock()
			o.Observe(n)
			return nil
		}),
	)
}
