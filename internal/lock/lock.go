// Package redlock provides the redis leader lease the dispatch scheduler
// takes so only one instance drains the outbox at a time.
package redlock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is a single-holder expiring lock. The holder token guards release
// and renewal, so a holder whose lease lapsed cannot clobber its successor.
type Lease struct {
	client redis.UniversalClient
	key    string
	holder string
	ttl    time.Duration
}

func NewLease(client redis.UniversalClient, key, holder string, ttl time.Duration) *Lease {
	return &Lease{
		client: client,
		key:    key,
		holder: holder,
		ttl:    ttl,
	}
}

// Acquire takes the lease if nobody holds it. The lease expires on its own
// after the TTL unless renewed, so a crashed holder never blocks successors.
func (l *Lease) Acquire(ctx context.Context) error {
	success, err := l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return err
	}
	if !success {
		return fmt.Errorf("lease %s is already held", l.key)
	}
	return nil
}

// Renew pushes the expiry out by another TTL. Fails when the lease lapsed or
// belongs to another holder.
func (l *Lease) Renew(ctx context.Context) error {
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
	result, err := l.client.Eval(ctx, script, []string{l.key}, l.holder, l.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("lease %s lapsed or is held by another holder", l.key)
	}
	return nil
}

// Release drops the lease when this holder still owns it.
func (l *Lease) Release(ctx context.Context) error {
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	result, err := l.client.Eval(ctx, script, []string{l.key}, l.holder).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("lease %s lapsed or is held by another holder", l.key)
	}
	return nil
}
