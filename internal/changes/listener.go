// Package changes turns Postgres row change notifications into batched change payloads.
//
// Events are collected over a short window, grouped by schema and table, deduplicated by
// id, and published once per schema. Delivery is at least once and unordered.
package changes

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/trambar/internal/realtime"
)

const (
	// DefaultBatchWindow is how long events are collected before publishing.
	DefaultBatchWindow = 100 * time.Millisecond
	eventBuffer        = 256
	batchesKey         = "batches"
)

var (
	errMissingSource    = errors.New("notification source is required")
	errMissingPublisher = errors.New("publisher is required")
)

// Event is one row change as emitted by the notify_data_change trigger.
type Event struct {
	Schema string         `json:"schema"`
	Table  string         `json:"table"`
	ID     int64          `json:"id"`
	Op     string         `json:"op"`
	GN     int64          `json:"gn"`
	Diff   map[string]any `json:"diff,omitempty"`
}

// TableChanges lists the changed rows of one table, index aligned.
type TableChanges struct {
	IDs []int64 `json:"ids"`
	GNs []int64 `json:"gns"`
}

// Payload is the frame sent to socket subscribers of a schema.
type Payload struct {
	Changes map[string]TableChanges `json:"changes"`
}

// Batch is what in-process subscribers receive.
type Batch struct {
	Events []Event
}

// Invalidator drops cached state for a table.
type Invalidator interface {
	Invalidate(schema, table string)
}

// Config wires a Listener.
type Config struct {
	Source       NotificationSource
	Publisher    *realtime.Dispatcher[[]byte]
	Invalidators []Invalidator
	BatchWindow  time.Duration
	Logger       *zap.Logger
	Registerer   prometheus.Registerer
}

// Listener consumes notifications and fans them out.
type Listener struct {
	source       NotificationSource
	publisher    *realtime.Dispatcher[[]byte]
	invalidators []Invalidator
	window       time.Duration
	logger       *zap.Logger
	metrics      *metrics
	batches      *realtime.Dispatcher[Batch]
}

// NewListener validates cfg and returns a listener.
func NewListener(cfg Config) (*Listener, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Publisher == nil {
		return nil, errMissingPublisher
	}
	window := cfg.BatchWindow
	if window <= 0 {
		window = DefaultBatchWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		source:       cfg.Source,
		publisher:    cfg.Publisher,
		invalidators: append([]Invalidator(nil), cfg.Invalidators...),
		window:       window,
		logger:       logger,
		metrics:      newMetrics(cfg.Registerer),
		batches:      realtime.NewDispatcher[Batch](16),
	}, nil
}

// Subscribe streams every published batch until ctx ends or cleanup runs.
func (l *Listener) Subscribe(ctx context.Context) (<-chan Batch, func()) {
	return l.batches.Subscribe(ctx, batchesKey)
}

// Run reads notifications until ctx ends or the source fails.
func (l *Listener) Run(ctx context.Context) error {
	events := make(chan Event, eventBuffer)
	received := make(chan error, 1)
	go func() {
		received <- l.receive(ctx, events)
		close(events)
	}()

	var (
		pending []Event
		timer   *time.Timer
		expired <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				l.flush(pending)
				return <-received
			}
			pending = append(pending, event)
			if expired == nil {
				timer = time.NewTimer(l.window)
				expired = timer.C
			}
		case <-expired:
			l.flush(pending)
			pending = nil
			expired = nil
		}
	}
}

func (l *Listener) receive(ctx context.Context, events chan<- Event) error {
	for {
		notification, err := l.source.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("change notification wait failed", zap.Error(err))
			return err
		}
		var event Event
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil || event.Schema == "" || event.Table == "" {
			l.metrics.events.WithLabelValues("malformed").Inc()
			l.logger.Warn("skipping malformed change notification",
				zap.String("channel", notification.Channel),
				zap.String("payload", notification.Payload),
				zap.Error(err))
			continue
		}
		l.metrics.events.WithLabelValues("received").Inc()
		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Listener) flush(pending []Event) {
	if len(pending) == 0 {
		return
	}
	grouped := Group(pending)
	for schema, payload := range grouped {
		for key := range payload.Changes {
			table := key[len(schema)+1:]
			for _, invalidator := range l.invalidators {
				invalidator.Invalidate(schema, table)
			}
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			l.logger.Error("change payload encoding failed", zap.String("schema", schema), zap.Error(err))
			continue
		}
		delivered := l.publisher.Publish(schema, encoded)
		l.metrics.deliveries.Add(float64(delivered))
		l.logger.Debug("change batch published",
			zap.String("schema", schema),
			zap.Int("tables", len(payload.Changes)),
			zap.Int("subscribers", delivered))
	}
	l.metrics.batches.Inc()
	l.batches.Publish(batchesKey, Batch{Events: append([]Event(nil), pending...)})
}

// Group builds one payload per schema. A row reported more than once keeps its highest gn.
func Group(events []Event) map[string]Payload {
	grouped := make(map[string]Payload)
	positions := make(map[string]map[int64]int)
	for _, event := range events {
		payload, ok := grouped[event.Schema]
		if !ok {
			payload = Payload{Changes: make(map[string]TableChanges)}
			grouped[event.Schema] = payload
		}
		key := event.Schema + "." + event.Table
		changes := payload.Changes[key]
		seen := positions[key]
		if seen == nil {
			seen = make(map[int64]int)
			positions[key] = seen
		}
		if position, ok := seen[event.ID]; ok {
			if event.GN > changes.GNs[position] {
				changes.GNs[position] = event.GN
			}
		} else {
			seen[event.ID] = len(changes.IDs)
			changes.IDs = append(changes.IDs, event.ID)
			changes.GNs = append(changes.GNs, event.GN)
		}
		payload.Changes[key] = changes
	}
	return grouped
}
