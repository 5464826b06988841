package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventTaskLaunched      EventType = "task.launched"
	EventTaskLaunchFailed  EventType = "task.launch_failed"
	EventTaskRunning       EventType = "task.running"
	EventTaskStopped       EventType = "task.stopped"
	EventTaskRegistered    EventType = "task.registered"
	EventTaskUnhealthy     EventType = "task.unhealthy"
	EventTaskDeregistered  EventType = "task.deregistered"
	EventTasksetStarted    EventType = "taskset.started"
	EventTasksetBlocked    EventType = "taskset.blocked"
	EventTasksetFailed     EventType = "taskset.failed"
	EventUnitProvisioned   EventType = "unit.provisioned"
	EventUnitFailed        EventType = "unit.failed"
	EventUnitCompleted     EventType = "unit.completed"
	EventZoneRemoved       EventType = "zone.removed"
	EventBatchAborted      EventType = "batch.aborted"
	EventProvisionRollback EventType = "provision.rollback"
	EventClusterStarted    EventType = "cluster.started"
	EventClusterShutdown   EventType = "cluster.shutdown"
)

// Event represents an orchestration event
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Publisher accepts events; Broker is the in-process implementation
type Publisher interface {
	Publish(event *Event)
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event for all subscribers. The orchestrator never
// blocks on events: when the queue is full the event is dropped.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// New builds an event with metadata given as key/value pairs
func New(eventType EventType, message string, kv ...string) *Event {
	meta := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		meta[kv[i]] = kv[i+1]
	}
	return &Event{Type: eventType, Message: message, Metadata: meta}
}

// Discard is a Publisher that drops every event
type Discard struct{}

func (Discard) Publish(*Event) {}
