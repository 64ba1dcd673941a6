// Package notification fans domain events out to interested parties. Delivery
// is best-effort: Notify never returns an error and never blocks the caller on
// a failing sink.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/caregate/caregate/internal/platform/websocket"
)

// Event names emitted by the core.
const (
	EventVerificationStatusChanged = "verification.status_changed"
	EventDoctorPendingReview       = "verification.pending_review"
	EventAdminAction               = "verification.admin_action"
	EventActivationFailed          = "verification.activation_failed"
	EventQueueUpdated              = "queue.updated"
	EventQueueEntryChanged         = "queue.entry_changed"
)

// Event is a single notification. Topics name the audiences (see the
// websocket topic helpers); Data must be JSON-encodable.
type Event struct {
	Name       string      `json:"name"`
	Topics     []string    `json:"topics"`
	Data       interface{} `json:"data,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// Notifier is the interface the domain services call.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Sink delivers events to one transport.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Dispatcher sends every event to all sinks and records per-sink outcomes.
type Dispatcher struct {
	sinks  []Sink
	logger zerolog.Logger

	mu    sync.Mutex
	stats map[string]*SinkStats
}

// SinkStats counts delivery outcomes for one sink.
type SinkStats struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

func NewDispatcher(logger zerolog.Logger, sinks ...Sink) *Dispatcher {
	stats := make(map[string]*SinkStats, len(sinks))
	for _, s := range sinks {
		stats[s.Name()] = &SinkStats{}
	}
	return &Dispatcher{
		sinks:  sinks,
		logger: logger.With().Str("component", "notification").Logger(),
		stats:  stats,
	}
}

var _ Notifier = (*Dispatcher)(nil)

// Notify delivers ev to every sink. Sink errors and panics are logged and
// counted, never propagated.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	for _, s := range d.sinks {
		err := d.deliver(ctx, s, ev)
		d.record(s.Name(), err)
		if err != nil {
			d.logger.Warn().Err(err).Str("sink", s.Name()).Str("event", ev.Name).Msg("notification delivery failed")
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return s.Deliver(ctx, ev)
}

func (d *Dispatcher) record(sink string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.stats[sink]
	if !ok {
		st = &SinkStats{}
		d.stats[sink] = st
	}
	if err != nil {
		st.Failed++
	} else {
		st.Delivered++
	}
}

// Stats returns a copy of the delivery counters keyed by sink name.
func (d *Dispatcher) Stats() map[string]SinkStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]SinkStats, len(d.stats))
	for k, v := range d.stats {
		out[k] = *v
	}
	return out
}

// HubSink pushes events to live websocket connections.
type HubSink struct {
	dir websocket.Directory
}

func NewHubSink(dir websocket.Directory) *HubSink {
	return &HubSink{dir: dir}
}

func (s *HubSink) Name() string { return "websocket" }

func (s *HubSink) Deliver(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", ev.Name, err)
	}
	for _, topic := range ev.Topics {
		s.dir.Broadcast(topic, websocket.Event{
			Type:      ev.Name,
			Timestamp: ev.OccurredAt,
			Data:      data,
		})
	}
	return nil
}

// LogSink writes every event to the structured log, which doubles as the
// admin-action audit trail outside the database.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, ev Event) error {
	s.logger.Info().
		Str("event", ev.Name).
		Strs("topics", ev.Topics).
		Interface("data", ev.Data).
		Time("occurred_at", ev.OccurredAt).
		Msg("notification")
	return nil
}

// Recorder is an in-memory Notifier for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

// Handler exposes dispatcher statistics to operators.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications/stats", h.HandleStats)
}

func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.dispatcher.Stats())
}
