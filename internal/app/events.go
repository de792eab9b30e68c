package app

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/teledm-go/internal/domain"
)

// EventBus fans engine events out to subscribers. Publish calls every
// listener synchronously on the caller's goroutine; a panicking listener is
// logged and skipped.
type EventBus struct {
	mu        sync.RWMutex
	listeners map[uint64]domain.EventListener
	nextID    uint64
	logger    *zap.Logger
}

// NewEventBus creates an empty bus
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		listeners: make(map[uint64]domain.EventListener),
		logger:    logger,
	}
}

// Subscribe registers a listener and returns the function that removes it
func (b *EventBus) Subscribe(listener domain.EventListener) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = listener
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers an event to every listener
func (b *EventBus) Publish(event domain.Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	listeners := make([]domain.EventListener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.RUnlock()

	for _, l := range listeners {
		b.deliver(l, event)
	}
}

func (b *EventBus) deliver(l domain.EventListener, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event listener panicked",
				zap.String("event", string(event.Type)),
				zap.Any("panic", r))
		}
	}()
	l(event)
}

// statusChanged builds a TaskStatusChanged event
func statusChanged(task *domain.DownloadTask, old domain.TaskStatus) domain.Event {
	return domain.Event{
		Type:      domain.EventTaskStatusChanged,
		TaskID:    task.ID,
		OldStatus: old,
		NewStatus: task.Status,
		Task:      task.Snapshot(),
	}
}
