package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a domain event emitted by the engine.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	Subject   string                 `json:"subject,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventWorkOrderCreated      = "workorder.created"
	EventWorkOrderTransitioned = "workorder.transitioned"
	EventSLABreached           = "sla.breached"
	EventSLAWaived             = "sla.waived"
	EventAlarmRaised           = "alarm.raised"
	EventAlarmCleared          = "alarm.cleared"
	EventPredictiveFired       = "predictive.fired"
	EventPMGenerated           = "pm.generated"
	EventPMSkipped             = "pm.skipped"
	EventPMDeferred            = "pm.deferred"
	EventTemplateFailed        = "pm.template_failed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans domain events out to subscribers. A nil or disabled
// publisher drops events silently.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishWorkOrderCreated publishes a work order creation.
func (ep *EventPublisher) PublishWorkOrderCreated(tenantID, workOrderID, kind, priority string) error {
	return ep.Publish(Event{
		Type:     EventWorkOrderCreated,
		Source:   "lifecycle",
		TenantID: tenantID,
		Subject:  workOrderID,
		Message:  fmt.Sprintf("Work order %s created (%s, %s)", workOrderID, kind, priority),
		Data: map[string]interface{}{
			"kind":     kind,
			"priority": priority,
		},
	})
}

// PublishTransition publishes a work order status change.
func (ep *EventPublisher) PublishTransition(tenantID, workOrderID, from, to, actor string) error {
	return ep.Publish(Event{
		Type:     EventWorkOrderTransitioned,
		Source:   "lifecycle",
		TenantID: tenantID,
		Subject:  workOrderID,
		Message:  fmt.Sprintf("Work order %s moved from %s to %s", workOrderID, from, to),
		Data: map[string]interface{}{
			"from":  from,
			"to":    to,
			"actor": actor,
		},
	})
}

// PublishBreach publishes a detected SLA breach.
func (ep *EventPublisher) PublishBreach(tenantID, workOrderID, breachType string, varianceMinutes int64) error {
	return ep.Publish(Event{
		Type:     EventSLABreached,
		Source:   "sla",
		TenantID: tenantID,
		Subject:  workOrderID,
		Message:  fmt.Sprintf("Work order %s breached its %s target by %d minutes", workOrderID, breachType, varianceMinutes),
		Level:    EventLevelWarning,
		Data: map[string]interface{}{
			"breach_type":      breachType,
			"variance_minutes": varianceMinutes,
		},
	})
}

// PublishAlarm publishes an alarm state change.
func (ep *EventPublisher) PublishAlarm(eventType, tagID, assetID, severity string, value float64) error {
	level := EventLevelWarning
	if eventType == EventAlarmCleared {
		level = EventLevelInfo
	}
	return ep.Publish(Event{
		Type:    eventType,
		Source:  "condition",
		Subject: tagID,
		Message: fmt.Sprintf("Tag %s on asset %s: %s (value %.3f)", tagID, assetID, severity, value),
		Level:   level,
		Data: map[string]interface{}{
			"asset_id": assetID,
			"severity": severity,
			"value":    value,
		},
	})
}

// PublishPredictiveFired publishes a predictive rule firing.
func (ep *EventPublisher) PublishPredictiveFired(tenantID, ruleID, assetID, status, workOrderID string) error {
	return ep.Publish(Event{
		Type:     EventPredictiveFired,
		Source:   "predictive",
		TenantID: tenantID,
		Subject:  ruleID,
		Message:  fmt.Sprintf("Rule %s fired for asset %s: %s", ruleID, assetID, status),
		Data: map[string]interface{}{
			"asset_id":      assetID,
			"status":        status,
			"work_order_id": workOrderID,
		},
	})
}

// PublishPM publishes a PM scheduler outcome (generated, skipped, deferred, template failure).
func (ep *EventPublisher) PublishPM(eventType, tenantID, subject, message string, data map[string]interface{}) error {
	level := EventLevelInfo
	if eventType == EventTemplateFailed {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:     eventType,
		Source:   "pm",
		TenantID: tenantID,
		Subject:  subject,
		Message:  message,
		Level:    level,
		Data:     data,
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents drains the buffer in batches until shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// Drain whatever is already queued, up to the batch size.
			for len(batch) < ep.config.MaxBatchSize {
				select {
				case next := <-ep.buffer:
					batch = append(batch, next)
					continue
				default:
				}
				break
			}
			flush()

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all matching subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByTenant creates a filter that only allows events for one tenant.
func FilterByTenant(tenantID string) EventFilter {
	return func(event Event) bool {
		return event.TenantID == tenantID
	}
}
