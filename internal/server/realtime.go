package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/gifguard/internal/moderation"
)

const (
	RealtimeEventDecision  = "decision"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "gifguard"

	allGuilds = ""
)

// DecisionFeed fans moderation decisions out to stream subscribers. A slow subscriber
// loses decisions rather than blocking the engine.
type DecisionFeed struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
	dropped     atomic.Int64
}

type feedSubscriber struct {
	id     int64
	stream chan moderation.Decision
}

// NewDecisionFeed constructs an empty feed.
func NewDecisionFeed() *DecisionFeed {
	return &DecisionFeed{
		subscribers: make(map[string]map[int64]*feedSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for decisions in guildID, or in every guild when guildID is
// empty. The subscription ends when ctx is done or cleanup is called.
func (d *DecisionFeed) Subscribe(ctx context.Context, guildID string) (<-chan moderation.Decision, func()) {
	subscriber := &feedSubscriber{
		id:     d.nextSequence(),
		stream: make(chan moderation.Decision, d.bufferSize),
	}
	d.registerSubscriber(guildID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(guildID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements moderation.Publisher.
func (d *DecisionFeed) Publish(decision moderation.Decision) {
	d.mu.RLock()
	targets := make([]*feedSubscriber, 0, len(d.subscribers[allGuilds])+len(d.subscribers[decision.GuildID]))
	for _, subscriber := range d.subscribers[allGuilds] {
		targets = append(targets, subscriber)
	}
	if decision.GuildID != allGuilds {
		for _, subscriber := range d.subscribers[decision.GuildID] {
			targets = append(targets, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range targets {
		select {
		case subscriber.stream <- decision:
		default:
			d.dropped.Add(1)
		}
	}
}

// Dropped counts decisions discarded because a subscriber buffer was full.
func (d *DecisionFeed) Dropped() int64 {
	return d.dropped.Load()
}

func (d *DecisionFeed) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *DecisionFeed) registerSubscriber(guildID string, subscriber *feedSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[guildID]; !ok {
		d.subscribers[guildID] = make(map[int64]*feedSubscriber)
	}
	d.subscribers[guildID][subscriber.id] = subscriber
}

func (d *DecisionFeed) unregisterSubscriber(guildID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[guildID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, guildID)
		}
	}
	d.mu.Unlock()
}

var _ moderation.Publisher = (*DecisionFeed)(nil)
