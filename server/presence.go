package server

import (
	"context"
	"log"

	"github.com/redis/go-redis/v9"
	"github.com/zond/tilehub"

	goccy "github.com/goccy/go-json"
)

const (
	presenceKey     = "tilehub:connected"
	presenceChannel = "tilehub:presence"
)

// presence mirrors the connection count of every player into a Redis hash, and publishes a
// presenceEvent whenever a player comes online or goes offline. A nil presence does nothing.
type presence struct {
	rdb *redis.Client
}

type presenceEvent struct {
	PlayerID  string `json:"player_id"`
	Connected bool   `json:"connected"`
}

func newPresence(ctx context.Context, addr string) (*presence, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, tilehub.WithStack(err)
	}
	// Counts left behind by a previous process are stale.
	if err := rdb.Del(ctx, presenceKey).Err(); err != nil {
		rdb.Close()
		return nil, tilehub.WithStack(err)
	}
	return &presence{rdb: rdb}, nil
}

func (p *presence) update(ctx context.Context, playerID string, delta int64) {
	if p == nil {
		return
	}
	count, err := p.rdb.HIncrBy(ctx, presenceKey, playerID, delta).Result()
	if err != nil {
		log.Printf("updating presence of %q: %v", playerID, err)
		return
	}
	if count <= 0 {
		if err := p.rdb.HDel(ctx, presenceKey, playerID).Err(); err != nil {
			log.Printf("clearing presence of %q: %v", playerID, err)
		}
	}
	if (delta > 0 && count == delta) || count <= 0 {
		b, err := goccy.Marshal(presenceEvent{PlayerID: playerID, Connected: count > 0})
		if err != nil {
			log.Printf("encoding presence of %q: %v", playerID, err)
			return
		}
		if err := p.rdb.Publish(ctx, presenceChannel, b).Err(); err != nil {
			log.Printf("publishing presence of %q: %v", playerID, err)
		}
	}
}

func (p *presence) Close() {
	if p == nil {
		return
	}
	if err := p.rdb.Close(); err != nil {
		log.Printf("closing redis client: %v", err)
	}
}
