package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RejectedPushkeyCache remembers pushkeys that upstream clouds permanently
// rejected, so repeat notifications for a dead pusher can be turned away
// without a network call. It is optional; the gateway is fully functional
// (and stateless) without it.
type RejectedPushkeyCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRejectedPushkeyCache(client *redis.Client, ttl time.Duration) *RejectedPushkeyCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RejectedPushkeyCache{
		client: client,
		ttl:    ttl,
	}
}

func (r *RejectedPushkeyCache) Close() error {
	return r.client.Close()
}

func key(appID, pushkey string) string {
	return "push:rejected:" + appID + ":" + pushkey
}

// MarkRejected records that upstream declared the pushkey invalid at the
// current time.
func (r *RejectedPushkeyCache) MarkRejected(ctx context.Context, appID, pushkey string) error {
	value := strconv.FormatInt(time.Now().Unix(), 10)
	return r.client.SetEX(ctx, key(appID, pushkey), value, r.ttl).Err()
}

// IsRejected reports whether the pushkey was rejected after pushkeyTS (the
// pusher's creation time, in unix seconds). A pusher newer than the recorded
// rejection may be alive again and is allowed through.
func (r *RejectedPushkeyCache) IsRejected(ctx context.Context, appID, pushkey string, pushkeyTS int64) (bool, error) {
	value, err := r.client.Get(ctx, key(appID, pushkey)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rejectedAt, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return false, nil
	}
	return pushkeyTS < rejectedAt, nil
}
