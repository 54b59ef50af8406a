package sync

import (
	"sync"

	"github.com/CrisisCore-Systems/pain-tracker-sub008/internal/logging"
)

// Event names emitted by the engine.
const (
	EventSyncStarted        = "sync-started"
	EventSyncCompleted      = "sync-completed"
	EventOperationEvicted   = "operation-evicted"
	EventEmergencyDelivered = "emergency-delivered"
)

// EventHandler receives a named event and its payload: models.SweepStats
// for the sweep events, models.FailedOperation for evictions and
// *models.PendingOperation for emergency deliveries.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]EventHandler)}
}

// On registers handler for event.
func (e *emitter) On(event string, handler EventHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Named("sync").Warn("event handler panicked",
						map[string]interface{}{"event": event, "panic": r})
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
