package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/NV4RE/gsx1280/datagram"
)

// nodeCache mirrors the last known link figures of every node into Redis
// hashes under prefix.
type nodeCache struct {
	db     *redis.Client
	prefix string
}

func newNodeCache(ctx context.Context, addr, prefix string) (*nodeCache, error) {
	db := redis.NewClient(&redis.Options{Addr: addr})
	if err := db.Ping(ctx).Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	return &nodeCache{db: db, prefix: prefix}, nil
}

func (c *nodeCache) key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (c *nodeCache) Seen(ctx context.Context, d datagram.Datagram) error {
	return c.db.HSet(ctx, c.key("node", fmt.Sprintf("%02x", d.From)),
		"rssi", d.RSSI,
		"snr", d.SNR,
		"id", d.ID,
		"seen", time.Now().Unix(),
	).Err()
}

func (c *nodeCache) Distance(ctx context.Context, addr string, meters, rssi float64) error {
	return c.db.HSet(ctx, c.key("range", addr),
		"meters", meters,
		"rssi", rssi,
		"at", time.Now().Unix(),
	).Err()
}

func (c *nodeCache) Stats(ctx context.Context, s datagram.Stats) error {
	return c.db.HSet(ctx, c.key("stats"),
		"sent", s.Sent,
		"retries", s.Retries,
		"acks_received", s.AcksReceived,
		"acks_sent", s.AcksSent,
		"received", s.Received,
		"dropped", s.Dropped,
		"duplicates", s.Duplicates,
	).Err()
}

func (c *nodeCache) Close() error { return c.db.Close() }
