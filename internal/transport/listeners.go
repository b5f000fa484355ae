package transport

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// listenerSet is the per-event handler registry behind On/Off.
type listenerSet struct {
	mu       sync.RWMutex
	nextID   atomic.Uint64
	handlers map[string]map[ListenerID]Handler
	order    map[string][]ListenerID
	states   map[ListenerID]StateHandler
}

func newListenerSet() *listenerSet {
	return &listenerSet{
		handlers: make(map[string]map[ListenerID]Handler),
		order:    make(map[string][]ListenerID),
		states:   make(map[ListenerID]StateHandler),
	}
}

func (l *listenerSet) add(event string, h Handler) ListenerID {
	id := ListenerID(l.nextID.Add(1))
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handlers[event] == nil {
		l.handlers[event] = make(map[ListenerID]Handler)
	}
	l.handlers[event][id] = h
	l.order[event] = append(l.order[event], id)
	return id
}

func (l *listenerSet) remove(event string, id ListenerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[event][id]; !ok {
		return
	}
	delete(l.handlers[event], id)
	ids := l.order[event]
	for i, other := range ids {
		if other == id {
			l.order[event] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(l.handlers[event]) == 0 {
		delete(l.handlers, event)
		delete(l.order, event)
	}
}

func (l *listenerSet) addState(h StateHandler) ListenerID {
	id := ListenerID(l.nextID.Add(1))
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states[id] = h
	return id
}

func (l *listenerSet) removeState(id ListenerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.states, id)
}

// count returns the number of handlers registered for event.
func (l *listenerSet) count(event string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.handlers[event])
}

// dispatch calls the handlers for event in registration order. The lock is released
// before calling out so handlers may register or remove listeners.
func (l *listenerSet) dispatch(event string, data json.RawMessage) int {
	l.mu.RLock()
	ids := l.order[event]
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, l.handlers[event][id])
	}
	l.mu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Event handler panicked", "event", event, "panic", r)
				}
			}()
			h(data)
		}()
	}
	return len(hs)
}

func (l *listenerSet) notifyState(s State) {
	l.mu.RLock()
	hs := make([]StateHandler, 0, len(l.states))
	for _, h := range l.states {
		hs = append(hs, h)
	}
	l.mu.RUnlock()

	for _, h := range hs {
		h(s)
	}
}
