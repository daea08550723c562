/*
Copyright 2025 Crosspost Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package crosspost is the dispatch reliability core: a durable outbox with
// idempotency and dedup, per-service circuit breakers, a staged pipeline
// moving posts from intake to publication, a declarative preflight rule
// engine, and a priority/rate-aware scheduler draining the outbox.
package crosspost

import (
	"context"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/sovani/crosspost/config"
	"github.com/sovani/crosspost/database"
	"github.com/sovani/crosspost/internal/breaker"
	"github.com/sovani/crosspost/internal/cache"
	"github.com/sovani/crosspost/internal/notification"
	redis_db "github.com/sovani/crosspost/internal/redis-db"
	"github.com/sovani/crosspost/model"
)

var tracer = otel.Tracer("crosspost.dispatch")

//go:embed sql/*.sql
var SQLFiles embed.FS

// Crosspost represents the main struct for the dispatch core.
type Crosspost struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
	breakers   *breaker.Registry
	cache      cache.Cache

	mu          sync.RWMutex
	publishers  map[string]Publisher
	transcoder  MediaTranscoder
	captioner   CaptionGenerator
	sink        NotificationSink

	// now is the clock every scheduling decision reads. Injectable so retry
	// timing is testable without real sleeps.
	now func() time.Time
}

// NewCrosspost initializes a new instance of Crosspost with the provided database datasource.
// It fetches the configuration and initializes the Redis client, queue and
// breaker registry.
//
// Parameters:
// - db database.IDataSource: The datasource for database operations.
//
// Returns:
// - *Crosspost: A pointer to the newly created Crosspost instance.
// - error: An error if any of the initialization steps fail.
func NewCrosspost(db database.IDataSource) (*Crosspost, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient(fmt.Sprintf("redis://%s", configuration.Redis.Dns))
	if err != nil {
		return nil, err
	}
	newQueue := NewQueue(configuration)
	newCache := cache.NewCacheWithClient(redisClient.Client())

	registry := breaker.NewRegistry(breaker.Config{
		FailureThreshold: configuration.Breaker.FailureThreshold,
		SuccessThreshold: configuration.Breaker.SuccessThreshold,
		RecoveryTimeout:  time.Duration(configuration.Breaker.RecoveryTimeoutSec) * time.Second,
	})

	newCrosspost := &Crosspost{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
		breakers:   registry,
		cache:      newCache,
		publishers: make(map[string]Publisher),
		sink:       &WebhookSink{},
		now:        time.Now,
	}
	registry.OnStateChange(newCrosspost.onBreakerStateChange)
	return newCrosspost, nil
}

// onBreakerStateChange persists the breaker snapshot and emits a lifecycle
// event so breaker degradation is visible independent of any single item.
func (c *Crosspost) onBreakerStateChange(service, from, to string) {
	snapshot := c.breakers.Snapshot(service)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.datasource.SaveBreakerSnapshot(ctx, &snapshot); err != nil {
		notification.NotifyError(err)
	}
	c.notify(model.LifecycleEvent{
		Event:      model.EventBreakerStateChanged,
		EntityType: "circuit_breaker",
		EntityID:   service,
		Detail:     map[string]interface{}{"from": from, "to": to},
		OccurredAt: c.now(),
	})
}

// BreakerStates returns a point-in-time view of every service breaker, the
// health surface for dispatch targets.
func (c *Crosspost) BreakerStates() []model.BreakerSnapshot {
	return c.breakers.Snapshots()
}

func (c *Crosspost) notify(event model.LifecycleEvent) {
	c.mu.RLock()
	sink := c.sink
	c.mu.RUnlock()
	if sink == nil {
		return
	}
	if err := sink.Notify(event); err != nil {
		notification.NotifyError(err)
	}
}
