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

package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/sovani/crosspost"
	"github.com/sovani/crosspost/config"
	redis_db "github.com/sovani/crosspost/internal/redis-db"

	"github.com/hibiken/asynq"
)

// initializeQueues maps every dispatch queue plus the webhook queue to its
// asynq weight. Dispatch queues run at equal weight; the scheduler already
// applied the configured priorities when it enqueued.
func initializeQueues(conf *config.Configuration) map[string]int {
	queues := make(map[string]int)
	queues[conf.Queue.WebhookQueue] = 3

	for _, name := range crosspost.DispatchQueueNames(conf) {
		queues[name] = 1
	}
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	concurrency := conf.Scheduler.MaxWorkers
	if concurrency <= 0 {
		concurrency = 1
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues:      queues,
		},
	), nil
}

// initializeTaskHandlers registers one handler per dispatch queue plus the
// webhook delivery handler. Task type names match queue names.
func initializeTaskHandlers(b *crosspostInstance, conf *config.Configuration, mux *asynq.ServeMux) {
	for _, name := range crosspost.DispatchQueueNames(conf) {
		mux.HandleFunc(name, b.core.ProcessStageTask)
	}
	mux.HandleFunc(conf.Queue.WebhookQueue, crosspost.ProcessWebhook)
}

// workerCommands defines the "workers" command: the asynq worker server, the
// dispatch scheduler draining the outbox, and the maintenance reaper, all in
// one process.
func workerCommands(b *crosspostInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start crosspost workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			queues := initializeQueues(conf)

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, conf, mux)

			scheduler, err := crosspost.NewScheduler(b.core)
			if err != nil {
				log.Fatal(err)
			}
			go scheduler.Start(ctx)

			reaper, err := crosspost.NewReaper(b.core)
			if err != nil {
				log.Fatal(err)
			}
			go reaper.Start(ctx)

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
