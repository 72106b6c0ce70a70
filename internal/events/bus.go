// Package events provides the global control bus.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// eventBus implements the EventBus interface
type eventBus struct {
	config EventBusConfig
	logger hclog.Logger

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	backHandlers  []BackHandler
	pause         *Event
	running       bool
	stats         EventStats
	wg            sync.WaitGroup
}

// NewEventBus creates a new event bus instance
func NewEventBus(config EventBusConfig, logger hclog.Logger) EventBus {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultEventBusConfig().QueueSize
	}
	return &eventBus{
		config:        config,
		logger:        logger,
		subscriptions: make(map[string]*Subscription),
		stats: EventStats{
			EventsByType:   make(map[string]int64),
			EventsBySource: make(map[string]int64),
		},
	}
}

// Start starts accepting published events
func (eb *eventBus) Start(ctx context.Context) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.running {
		return fmt.Errorf("event bus is already running")
	}
	eb.running = true

	eb.logger.Info("event bus started", "queue_size", eb.config.QueueSize)
	return nil
}

// Stop removes every subscription and waits for in-flight handlers.
func (eb *eventBus) Stop(ctx context.Context) error {
	eb.mu.Lock()
	if !eb.running {
		eb.mu.Unlock()
		return nil
	}
	eb.running = false
	for id, sub := range eb.subscriptions {
		close(sub.done)
		delete(eb.subscriptions, id)
	}
	eb.mu.Unlock()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		eb.logger.Info("event bus stopped gracefully")
		return nil
	case <-ctx.Done():
		eb.logger.Warn("event bus stop timed out")
		return ctx.Err()
	}
}

// Publish enqueues event on every matching subscription. It never blocks on
// a slow subscriber: a full subscriber queue drops the event for that
// subscriber only.
func (eb *eventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := validateEvent(event); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	eb.mu.Lock()
	if !eb.running {
		eb.mu.Unlock()
		return fmt.Errorf("event bus is not running")
	}

	eb.stats.TotalEvents++
	eb.stats.EventsByType[string(event.Type)]++
	eb.stats.EventsBySource[event.Source]++

	switch event.Type {
	case EventGlobalPause:
		pause := event
		eb.pause = &pause
	case EventGlobalResume:
		eb.pause = nil
	}

	// Enqueue while holding the lock so per-subscriber order matches
	// publish order and Unsubscribe cannot race the send.
	for _, sub := range eb.subscriptions {
		if !MatchesFilter(event, sub.Filter) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			sub.DroppedCount++
			eb.stats.DroppedEvents++
			eb.logger.Warn("subscriber queue full, dropping event",
				"subscription_id", sub.ID, "subscriber", sub.Subscriber, "event_type", event.Type)
		}
	}

	var backHandlers []BackHandler
	if event.Type == EventControlBack {
		backHandlers = append(backHandlers, eb.backHandlers...)
	}
	eb.mu.Unlock()

	for _, h := range backHandlers {
		go eb.runBackHandler(h, event)
	}

	eb.logger.Debug("event published", "type", event.Type, "source", event.Source, "id", event.ID)
	return nil
}

// Subscribe registers handler for events matching filter. The subscription
// is removed when ctx is cancelled or Unsubscribe is called. While a global
// pause is in effect, a subscription whose filter matches it receives that
// pause event first.
func (eb *eventBus) Subscribe(ctx context.Context, subscriber string, filter EventFilter, handler EventHandler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	sub := &Subscription{
		ID:         uuid.New().String(),
		Filter:     filter,
		Subscriber: subscriber,
		Created:    time.Now(),
		handler:    handler,
		queue:      make(chan Event, eb.config.QueueSize),
		done:       make(chan struct{}),
	}

	eb.mu.Lock()
	eb.subscriptions[sub.ID] = sub
	if eb.pause != nil && MatchesFilter(*eb.pause, filter) {
		sub.queue <- *eb.pause
	}
	eb.wg.Add(1)
	eb.mu.Unlock()

	go eb.deliver(sub)

	if ctx.Done() != nil {
		context.AfterFunc(ctx, func() {
			_ = eb.Unsubscribe(sub.ID)
		})
	}

	eb.logger.Debug("new subscription created", "subscription_id", sub.ID, "subscriber", subscriber, "types", filter.Types)
	return sub, nil
}

// Unsubscribe removes a subscription. Events still queued for it are discarded.
func (eb *eventBus) Unsubscribe(subscriptionID string) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub, exists := eb.subscriptions[subscriptionID]
	if !exists {
		return fmt.Errorf("subscription not found: %s", subscriptionID)
	}

	delete(eb.subscriptions, subscriptionID)
	close(sub.done)

	eb.logger.Debug("subscription removed", "subscription_id", subscriptionID)
	return nil
}

// OnBack registers a session-exit callback.
func (eb *eventBus) OnBack(handler BackHandler) {
	if handler == nil {
		return
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.backHandlers = append(eb.backHandlers, handler)
}

// Paused reports whether the last playback event published was a global
// pause.
func (eb *eventBus) Paused() bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.pause != nil
}

// GetSubscriptions returns a snapshot of all active subscriptions
func (eb *eventBus) GetSubscriptions() []Subscription {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	out := make([]Subscription, 0, len(eb.subscriptions))
	for _, sub := range eb.subscriptions {
		out = append(out, Subscription{
			ID:            sub.ID,
			Filter:        sub.Filter,
			Subscriber:    sub.Subscriber,
			Created:       sub.Created,
			TriggerCount:  sub.TriggerCount,
			DroppedCount:  sub.DroppedCount,
			LastTriggered: sub.LastTriggered,
		})
	}
	return out
}

// GetStats returns event bus statistics
func (eb *eventBus) GetStats() EventStats {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	stats := EventStats{
		TotalEvents:         eb.stats.TotalEvents,
		DroppedEvents:       eb.stats.DroppedEvents,
		EventsByType:        make(map[string]int64, len(eb.stats.EventsByType)),
		EventsBySource:      make(map[string]int64, len(eb.stats.EventsBySource)),
		ActiveSubscriptions: len(eb.subscriptions),
	}
	for k, v := range eb.stats.EventsByType {
		stats.EventsByType[k] = v
	}
	for k, v := range eb.stats.EventsBySource {
		stats.EventsBySource[k] = v
	}
	return stats
}

// Health returns the health status of the event bus
func (eb *eventBus) Health() error {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if !eb.running {
		return fmt.Errorf("event bus is not running")
	}

	for _, sub := range eb.subscriptions {
		usage := float64(len(sub.queue)) / float64(cap(sub.queue))
		if usage > 0.9 {
			return fmt.Errorf("subscriber %s queue is %d%% full", sub.Subscriber, int(usage*100))
		}
	}
	return nil
}

// Internal methods

// deliver runs a subscription's handler over its queue in FIFO order.
func (eb *eventBus) deliver(sub *Subscription) {
	defer eb.wg.Done()

	for {
		select {
		case <-sub.done:
			return
		case event := <-sub.queue:
			// an unsubscribe racing with a queued event wins
			select {
			case <-sub.done:
				return
			default:
			}
			eb.notifySubscriber(sub, event)
		}
	}
}

// notifySubscriber notifies a subscriber about an event
func (eb *eventBus) notifySubscriber(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("panic in event handler", "subscription_id", sub.ID, "error", r, "event_id", event.ID)
		}
	}()

	if err := sub.handler(event); err != nil {
		eb.logger.Error("event handler error", "subscription_id", sub.ID, "error", err, "event_id", event.ID)
		return
	}

	eb.mu.Lock()
	sub.TriggerCount++
	now := time.Now()
	sub.LastTriggered = &now
	eb.mu.Unlock()
}

func (eb *eventBus) runBackHandler(h BackHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("panic in back handler", "error", r)
		}
	}()
	h(event)
}

// validateEvent validates an event
func validateEvent(event Event) error {
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if event.Source == "" {
		return fmt.Errorf("event source is required")
	}
	return nil
}
