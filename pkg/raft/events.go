package raft

import (
    "context"
    "sync"
    "time"
)

type EventType string

const (
    EventStateChanged  EventType = "state_changed"
    EventLeaderChanged EventType = "leader_changed"
    EventConfChanged   EventType = "configuration_changed"
    EventSnapshot      EventType = "snapshot"
)

// Event describes a change observed by a Node. Only the fields relevant to
// Type are populated.
type Event struct {
    Type   EventType
    At     time.Time
    Term   uint64
    State  State
    Leader PeerID
    Conf   ConfigEntry
    Index  uint64
}

// Subscribe returns a channel of events. The channel is buffered and closed
// when ctx is done. Events are dropped when the consumer falls behind.
func (n *Node) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    n.events.add(ch)
    go func() {
        <-ctx.Done()
        n.events.remove(ch)
        close(ch)
    }()
    return ch
}

type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    delete(e.subs, ch)
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    if ev.At.IsZero() { ev.At = time.Now() }
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
        }
    }
    e.mu.Unlock()
}
