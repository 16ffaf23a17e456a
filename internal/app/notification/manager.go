// Package notification provides the notification manager for broadcasting playback events.
package notification

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/guildbox/internal/app/playback"
)

// DefaultBuffer is the channel capacity used when Subscribe gets a non-positive buffer.
const DefaultBuffer = 64

// subscription represents a subscriber's subscription.
type subscription struct {
	id      string
	guildID string // Empty for every guild
	ch      chan playback.Event
	dropped uint64
}

// Manager manages notification subscriptions and broadcasting.
// It implements playback.Publisher.
type Manager struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	closed        bool
	sequenceNo    atomic.Uint64
}

// NewManager creates a new notification manager.
func NewManager() *Manager {
	return &Manager{
		subscriptions: make(map[string]*subscription),
	}
}

// Subscribe adds a new subscription and returns the subscription ID and its
// event channel. An empty guildID receives the events of every guild.
// The channel is closed by Unsubscribe or Close.
func (m *Manager) Subscribe(guildID string, buffer int) (string, <-chan playback.Event) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New().String()
	ch := make(chan playback.Event, buffer)
	if m.closed {
		close(ch)
		return id, ch
	}
	m.subscriptions[id] = &subscription{
		id:      id,
		guildID: guildID,
		ch:      ch,
	}
	return id, ch
}

// Unsubscribe removes a subscription.
func (m *Manager) Unsubscribe(subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[subscriptionID]
	if !ok {
		return
	}
	delete(m.subscriptions, subscriptionID)
	close(sub.ch)
	if sub.dropped > 0 {
		zlog.Debug().Msgf("notification: subscriber removed: id=%s dropped=%d", sub.id, sub.dropped)
	}
}

// Publish stamps the event with the next sequence number and sends it to
// every matching subscriber. It never blocks: a subscriber whose buffer
// is full misses the event.
func (m *Manager) Publish(e playback.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.SequenceNo = m.sequenceNo.Add(1)

	for _, sub := range m.subscriptions {
		if sub.guildID != "" && sub.guildID != e.GuildID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped++
			if sub.dropped == 1 {
				zlog.Warn().Msgf("notification: subscriber too slow, dropping events: id=%s", sub.id)
			}
		}
	}
}

// SequenceNo returns the sequence number of the last published event.
func (m *Manager) SequenceNo() uint64 {
	return m.sequenceNo.Load()
}

// SubscriberCount returns the number of active subscribers.
func (m *Manager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscriptions)
}

// Close closes the manager and removes all subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for id, sub := range m.subscriptions {
		close(sub.ch)
		delete(m.subscriptions, id)
	}
}
