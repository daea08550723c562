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

// Package database is the postgres persistence layer for the dispatch core:
// the outbox, the dedup index, posts and their publish results, publishing
// rules, schedules and breaker snapshots.
package database

import (
	"database/sql"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/sovani/crosspost/config"
	"github.com/sovani/crosspost/internal/cache"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con, Cache: nil}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = createOutboxTable(db)
	if err != nil {
		return nil, err
	}
	err = createDedupTable(db)
	if err != nil {
		return nil, err
	}
	err = createPostTable(db)
	if err != nil {
		return nil, err
	}
	err = createPublishResultTable(db)
	if err != nil {
		return nil, err
	}
	err = createPublishingRuleTable(db)
	if err != nil {
		return nil, err
	}
	err = createScheduleTable(db)
	if err != nil {
		return nil, err
	}
	err = createBreakerTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	uuidStr := id.String()
	idWithSuffix := fmt.Sprintf("%s_%s", module, uuidStr)
	return idWithSuffix
}

// createOutboxTable creates a PostgreSQL table for the OutboxEntry struct.
// idempotency_key carries the unique index the insert path relies on, and
// (status, not_before) serves the claim scan.
func createOutboxTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox_entries (
			id SERIAL PRIMARY KEY,
			entry_id TEXT NOT NULL UNIQUE,
			idempotency_key TEXT NOT NULL UNIQUE,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			destination_queue TEXT NOT NULL,
			routing_key TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			payload JSONB,
			status TEXT NOT NULL DEFAULT 'pending',
			scheduled_at TIMESTAMP NOT NULL DEFAULT NOW(),
			not_before TIMESTAMP NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMP,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			last_error TEXT,
			error_count INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 0,
			claimed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_outbox_claim ON outbox_entries (status, not_before, priority);
	`)
	log.Println(err)
	return err
}

// createDedupTable creates a PostgreSQL table for the DedupRecord struct
func createDedupTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dedup_records (
			id SERIAL PRIMARY KEY,
			dedupe_type TEXT NOT NULL,
			dedupe_key TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (dedupe_type, dedupe_key)
		)
	`)
	log.Println(err)
	return err
}

// createPostTable creates a PostgreSQL table for the Post struct
func createPostTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS posts (
			id SERIAL PRIMARY KEY,
			post_id TEXT NOT NULL UNIQUE,
			source_platform TEXT NOT NULL,
			platforms TEXT[] NOT NULL,
			original_text TEXT,
			generated_caption TEXT,
			hashtags TEXT[],
			status TEXT NOT NULL DEFAULT 'draft',
			current_stage TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			idempotency_key TEXT NOT NULL UNIQUE,
			renditions JSONB,
			stage_data JSONB,
			scheduled_at TIMESTAMP NOT NULL DEFAULT NOW(),
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 5,
			last_error TEXT,
			error_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			published_at TIMESTAMP
		)
	`)
	log.Println(err)
	return err
}

// createPublishResultTable creates a PostgreSQL table for the PublishResult
// struct. The (post_id, platform) pair is unique so retries update in place.
func createPublishResultTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS publish_results (
			id SERIAL PRIMARY KEY,
			result_id TEXT NOT NULL UNIQUE,
			post_id TEXT NOT NULL REFERENCES posts(post_id),
			platform TEXT NOT NULL,
			success BOOLEAN NOT NULL DEFAULT FALSE,
			platform_post_id TEXT,
			platform_post_url TEXT,
			error_code TEXT,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			published_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (post_id, platform)
		)
	`)
	log.Println(err)
	return err
}

// createPublishingRuleTable creates a PostgreSQL table for the PublishingRule struct
func createPublishingRuleTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS publishing_rules (
			id SERIAL PRIMARY KEY,
			rule_id TEXT NOT NULL UNIQUE,
			rule_name TEXT NOT NULL UNIQUE,
			platform TEXT NOT NULL,
			rule_type TEXT,
			conditions JSONB NOT NULL,
			action JSONB NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			match_count BIGINT NOT NULL DEFAULT 0,
			last_matched_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	log.Println(err)
	return err
}

// createScheduleTable creates a PostgreSQL table for the Schedule struct
func createScheduleTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schedules (
			id SERIAL PRIMARY KEY,
			schedule_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			platforms TEXT[] NOT NULL,
			cron_expression TEXT,
			max_posts_per_day INTEGER NOT NULL DEFAULT 0,
			min_interval_minutes INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_run_at TIMESTAMP,
			next_run_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	log.Println(err)
	return err
}

// createBreakerTable creates a PostgreSQL table for breaker snapshots so the
// health surface survives restarts.
func createBreakerTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS circuit_breakers (
			id SERIAL PRIMARY KEY,
			service_name TEXT NOT NULL UNIQUE,
			state TEXT NOT NULL DEFAULT 'closed',
			failure_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_threshold INTEGER NOT NULL DEFAULT 5,
			success_threshold INTEGER NOT NULL DEFAULT 2,
			recovery_timeout_seconds INTEGER NOT NULL DEFAULT 60,
			total_requests BIGINT NOT NULL DEFAULT 0,
			total_failures BIGINT NOT NULL DEFAULT 0,
			avg_response_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_failure_at TIMESTAMP,
			last_success_at TIMESTAMP,
			state_changed_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	log.Println(err)
	return err
}
