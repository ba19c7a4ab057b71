// Package registry coordinates exclusive ownership of stream keys across
// a fleet of ingest server processes sharing a Redis backend.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/aminofox/rtmpingest/pkg/errors"
	"github.com/aminofox/rtmpingest/pkg/logger"
)

const keyPrefix = "rtmpingest:lease:"

// defaultLeaseTTL bounds how long a lease survives without renewal, so a
// crashed process eventually frees its stream keys.
const defaultLeaseTTL = 30 * time.Second

// Registry leases stream keys in Redis so that only one ingest session,
// anywhere in the fleet, can publish under a given key at a time.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
	log    logger.Logger
}

// NewClient builds the Redis client used by Registry.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// New creates a Registry backed by client. A non-positive ttl falls back
// to defaultLeaseTTL.
func New(client *redis.Client, ttl time.Duration, log logger.Logger) *Registry {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &Registry{client: client, ttl: ttl, log: log}
}

// Acquire takes an exclusive lease on streamKey for owner (typically a
// session id), returning ErrCodeStreamAlreadyLive if another owner
// currently holds it.
func (r *Registry) Acquire(ctx context.Context, streamKey, owner string) error {
	ok, err := r.client.SetNX(ctx, r.key(streamKey), owner, r.ttl).Result()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeNetworkError, "registry: acquire failed", err)
	}
	if !ok {
		return apperrors.New(apperrors.ErrCodeStreamAlreadyLive, fmt.Sprintf("registry: stream key %q already leased", streamKey))
	}
	r.log.Info("registry: lease acquired", logger.String("stream_key", streamKey), logger.String("owner", owner))
	return nil
}

// Renew extends an already-held lease. It fails closed: if the lease
// does not exist or belongs to a different owner, it returns
// ErrCodeStreamNotFound rather than silently creating a new one.
func (r *Registry) Renew(ctx context.Context, streamKey, owner string) error {
	held, err := r.ownedBy(ctx, streamKey, owner)
	if err != nil {
		return err
	}
	if !held {
		return apperrors.NewStreamNotFoundError(streamKey)
	}
	if err := r.client.Expire(ctx, r.key(streamKey), r.ttl).Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeNetworkError, "registry: renew failed", err)
	}
	return nil
}

// Release drops the lease on streamKey if owner currently holds it. It is
// a no-op (not an error) if the lease already expired or belongs to
// someone else, since that matches unpublish racing a lease expiry.
func (r *Registry) Release(ctx context.Context, streamKey, owner string) error {
	held, err := r.ownedBy(ctx, streamKey, owner)
	if err != nil {
		return err
	}
	if !held {
		return nil
	}
	if err := r.client.Del(ctx, r.key(streamKey)).Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeNetworkError, "registry: release failed", err)
	}
	r.log.Info("registry: lease released", logger.String("stream_key", streamKey), logger.String("owner", owner))
	return nil
}

func (r *Registry) ownedBy(ctx context.Context, streamKey, owner string) (bool, error) {
	current, err := r.client.Get(ctx, r.key(streamKey)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrCodeNetworkError, "registry: lookup failed", err)
	}
	return current == owner, nil
}

func (r *Registry) key(streamKey string) string {
	return keyPrefix + streamKey
}

// Close releases the underlying Redis client.
func (r *Registry) Close() error {
	return r.client.Close()
}
