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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

var ConfigStore atomic.Value

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"CROSSPOST_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"CROSSPOST_REDIS_DNS"`
}

// QueueConfig names the asynq queues the pipeline hands work off through.
type QueueConfig struct {
	StageQueuePrefix string `json:"stage_queue_prefix" envconfig:"CROSSPOST_QUEUE_STAGE_PREFIX"`
	WebhookQueue     string `json:"webhook_queue" envconfig:"CROSSPOST_QUEUE_WEBHOOK"`
	MaxRetryAttempts int    `json:"max_retry_attempts" envconfig:"CROSSPOST_QUEUE_MAX_RETRY_ATTEMPTS"`
}

// OutboxConfig tunes retry, expiry and retention behaviour of the outbox.
type OutboxConfig struct {
	MaxAttempts          int `json:"max_attempts" envconfig:"CROSSPOST_OUTBOX_MAX_ATTEMPTS"`
	RetryBaseSeconds     int `json:"retry_base_seconds" envconfig:"CROSSPOST_OUTBOX_RETRY_BASE_SECONDS"`
	RetryCapSeconds      int `json:"retry_cap_seconds" envconfig:"CROSSPOST_OUTBOX_RETRY_CAP_SECONDS"`
	VisibilityTimeoutSec int `json:"visibility_timeout_sec" envconfig:"CROSSPOST_OUTBOX_VISIBILITY_TIMEOUT_SEC"`
	RetentionDays        int `json:"retention_days" envconfig:"CROSSPOST_OUTBOX_RETENTION_DAYS"`
	DedupTTLDays         int `json:"dedup_ttl_days" envconfig:"CROSSPOST_OUTBOX_DEDUP_TTL_DAYS"`
}

// BreakerConfig holds the default per-service circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold   uint32 `json:"failure_threshold" envconfig:"CROSSPOST_BREAKER_FAILURE_THRESHOLD"`
	SuccessThreshold   uint32 `json:"success_threshold" envconfig:"CROSSPOST_BREAKER_SUCCESS_THRESHOLD"`
	RecoveryTimeoutSec int    `json:"recovery_timeout_seconds" envconfig:"CROSSPOST_BREAKER_RECOVERY_TIMEOUT_SEC"`
}

// SchedulerQueue configures one logical (stage, platform) dispatch queue.
type SchedulerQueue struct {
	Stage             string  `json:"stage"`
	Platform          string  `json:"platform"`
	Weight            int     `json:"weight"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

type SchedulerConfig struct {
	TickIntervalMs int              `json:"tick_interval_ms" envconfig:"CROSSPOST_SCHEDULER_TICK_MS"`
	BatchSize      int              `json:"batch_size" envconfig:"CROSSPOST_SCHEDULER_BATCH_SIZE"`
	MaxWorkers     int              `json:"max_workers" envconfig:"CROSSPOST_SCHEDULER_MAX_WORKERS"`
	Queues         []SchedulerQueue `json:"queues"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"CROSSPOST_PROJECT_NAME"`
	Platforms    []string         `json:"platforms"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	Queue        QueueConfig      `json:"queue"`
	Outbox       OutboxConfig     `json:"outbox"`
	Breaker      BreakerConfig    `json:"breaker"`
	Scheduler    SchedulerConfig  `json:"scheduler"`
	Notification Notification     `json:"notification"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("crosspost", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called crosspost.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Crosspost Dispatch"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Queue.StageQueuePrefix == "" {
		cnf.Queue.StageQueuePrefix = "crosspost:stage"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "crosspost:webhook"
	}
	if cnf.Queue.MaxRetryAttempts <= 0 {
		cnf.Queue.MaxRetryAttempts = 5
	}

	if cnf.Outbox.MaxAttempts <= 0 {
		cnf.Outbox.MaxAttempts = 5
	}
	if cnf.Outbox.RetryBaseSeconds <= 0 {
		cnf.Outbox.RetryBaseSeconds = 60
	}
	if cnf.Outbox.RetryCapSeconds <= 0 {
		cnf.Outbox.RetryCapSeconds = 3600
	}
	if cnf.Outbox.VisibilityTimeoutSec <= 0 {
		cnf.Outbox.VisibilityTimeoutSec = 600
	}
	if cnf.Outbox.RetentionDays <= 0 {
		cnf.Outbox.RetentionDays = 7
	}
	if cnf.Outbox.DedupTTLDays <= 0 {
		cnf.Outbox.DedupTTLDays = 30
	}

	if cnf.Breaker.FailureThreshold == 0 {
		cnf.Breaker.FailureThreshold = 5
	}
	if cnf.Breaker.SuccessThreshold == 0 {
		cnf.Breaker.SuccessThreshold = 2
	}
	if cnf.Breaker.RecoveryTimeoutSec <= 0 {
		cnf.Breaker.RecoveryTimeoutSec = 60
	}

	if cnf.Scheduler.TickIntervalMs <= 0 {
		cnf.Scheduler.TickIntervalMs = 500
	}
	if cnf.Scheduler.BatchSize <= 0 {
		cnf.Scheduler.BatchSize = 50
	}
	if cnf.Scheduler.MaxWorkers <= 0 {
		cnf.Scheduler.MaxWorkers = 10
	}
	for i := range cnf.Scheduler.Queues {
		q := &cnf.Scheduler.Queues[i]
		if q.Weight <= 0 {
			q.Weight = 1
		}
		if q.RequestsPerSecond <= 0 {
			q.RequestsPerSecond = 1
		}
		if q.Burst <= 0 {
			q.Burst = 2 * int(q.RequestsPerSecond)
			log.Printf("Warning: burst not specified for queue %s:%s. Setting default value: %d", q.Stage, q.Platform, q.Burst)
		}
	}

	if len(cnf.Platforms) == 0 {
		cnf.Platforms = []string{"telegram", "vk", "instagram", "tiktok", "youtube"}
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	mockConfig.applyTestDefaults()
	ConfigStore.Store(mockConfig)
}

func (cnf *Configuration) applyTestDefaults() {
	if cnf.Queue.StageQueuePrefix == "" {
		cnf.Queue.StageQueuePrefix = "crosspost:stage"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "crosspost:webhook"
	}
	if cnf.Outbox.MaxAttempts <= 0 {
		cnf.Outbox.MaxAttempts = 5
	}
	if cnf.Outbox.RetryBaseSeconds <= 0 {
		cnf.Outbox.RetryBaseSeconds = 60
	}
	if cnf.Outbox.RetryCapSeconds <= 0 {
		cnf.Outbox.RetryCapSeconds = 3600
	}
	if cnf.Outbox.DedupTTLDays <= 0 {
		cnf.Outbox.DedupTTLDays = 30
	}
	if cnf.Breaker.FailureThreshold == 0 {
		cnf.Breaker.FailureThreshold = 5
	}
	if cnf.Breaker.SuccessThreshold == 0 {
		cnf.Breaker.SuccessThreshold = 2
	}
	if cnf.Breaker.RecoveryTimeoutSec <= 0 {
		cnf.Breaker.RecoveryTimeoutSec = 60
	}
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
