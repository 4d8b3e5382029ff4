package ws

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/playmatatu/referee/internal/logger"
	"github.com/playmatatu/referee/internal/models"
)

// EventsChannel is the Redis pub/sub channel referee events travel on.
const EventsChannel = "referee_events"

// Publisher sends events through Redis so every replica's observers see
// them; without Redis it feeds the local hub directly.
type Publisher struct {
	rdb *redis.Client
	hub *Hub
}

func NewPublisher(rdb *redis.Client, hub *Hub) *Publisher {
	return &Publisher{rdb: rdb, hub: hub}
}

func (p *Publisher) Publish(ctx context.Context, ev models.Event) {
	if p.rdb == nil {
		if p.hub != nil {
			p.hub.Broadcast(ev)
		}
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := p.rdb.Publish(ctx, EventsChannel, data).Err(); err != nil {
		logger.Get().Warnf("[WS] publish %s event for %s: %v", ev.Type, ev.GameID, err)
	}
}

// StartEventSubscriber relays the Redis channel into the hub until ctx is done.
func StartEventSubscriber(ctx context.Context, rdb *redis.Client, hub *Hub) {
	log := logger.Get()
	if rdb == nil {
		log.Infof("[WS] Redis client not set; event subscriber not started")
		return
	}

	pubsub := rdb.Subscribe(ctx, EventsChannel)
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		log.Infof("[WS] %s subscriber started", EventsChannel)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev models.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warnf("[WS] invalid event payload: %v", err)
					continue
				}
				hub.Broadcast(ev)
			}
		}
	}()
}
