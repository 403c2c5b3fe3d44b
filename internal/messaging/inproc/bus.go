package inproc

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"missionlab/internal/domain"
)

var (
	ErrNoSubscribers       = errors.New("mission has no subscribers")
	ErrSubscriberQueueFull = errors.New("subscriber queue is full")
)

// Bus fans progress events out to the subscribers of a mission. Slow
// subscribers lose events instead of blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan domain.ProgressEvent
	nextID uint64
	buffer int
	logger *zap.Logger
}

func New(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Bus{
		subs:   make(map[string]map[uint64]chan domain.ProgressEvent),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe returns a channel of events for missionID and a cancel func that
// closes it. Cancel is idempotent.
func (b *Bus) Subscribe(missionID string) (<-chan domain.ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan domain.ProgressEvent, b.buffer)
	if b.subs[missionID] == nil {
		b.subs[missionID] = make(map[uint64]chan domain.ProgressEvent)
	}
	b.subs[missionID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.unsubscribe(missionID, id)
		})
	}
}

func (b *Bus) unsubscribe(missionID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[missionID]
	if !ok {
		return
	}
	ch, ok := set[id]
	if !ok {
		return
	}
	delete(set, id)
	close(ch)
	if len(set) == 0 {
		delete(b.subs, missionID)
	}
}

func (b *Bus) SubscriberCount(missionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[missionID])
}

func (b *Bus) Publish(evt domain.ProgressEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set := b.subs[evt.MissionID]
	if len(set) == 0 {
		return ErrNoSubscribers
	}
	var dropped bool
	for _, ch := range set {
		select {
		case ch <- evt:
		default:
			dropped = true
		}
	}
	if dropped {
		return ErrSubscriberQueueFull
	}
	return nil
}

func (b *Bus) SendMissionUpdate(userID, missionID string, update domain.MissionUpdate) {
	b.send(domain.ProgressEvent{
		Kind:      "mission." + update.Type,
		UserID:    userID,
		MissionID: missionID,
		Payload:   mustJSON(update),
		CreatedAt: time.Now().UTC(),
	})
}

func (b *Bus) SendAgentUpdate(userID, missionID, executionID string, update domain.AgentUpdate) {
	b.send(domain.ProgressEvent{
		Kind:        "agent." + update.Type,
		UserID:      userID,
		MissionID:   missionID,
		ExecutionID: executionID,
		Payload:     mustJSON(update),
		CreatedAt:   time.Now().UTC(),
	})
}

func (b *Bus) send(evt domain.ProgressEvent) {
	err := b.Publish(evt)
	if errors.Is(err, ErrSubscriberQueueFull) {
		b.logger.Warn("progress event dropped",
			zap.String("mission_id", evt.MissionID),
			zap.String("kind", evt.Kind),
		)
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
