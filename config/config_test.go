package config

import (
	"encoding/json"
	"os"
	"testing"
)

func TestValidateAndAddDefaults(t *testing.T) {
	// Test case with empty DataSource DNS
	cnf := Configuration{
		ProjectName: "",
		DataSource: DataSourceConfig{
			Dns: "",
		},
		Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}

	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "data source DNS is required" {
		t.Errorf("Expected data source DNS required error, got %v", err)
	}
	cnf = Configuration{
		ProjectName: "",
		DataSource: DataSourceConfig{
			Dns: "postgres://localhost:5432",
		},
		Redis: RedisConfig{
			Dns: "",
		},
	}

	err = cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}
	// Test case with all required fields filled, expect no error
	cnf = Configuration{
		ProjectName: "Test Project",
		DataSource: DataSourceConfig{
			Dns: "some-dns",
		},
		Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	// Defaults for the outbox and breaker sections
	if cnf.Outbox.MaxAttempts != 5 {
		t.Errorf("Expected default max attempts 5, got %d", cnf.Outbox.MaxAttempts)
	}
	if cnf.Outbox.RetryBaseSeconds != 60 || cnf.Outbox.RetryCapSeconds != 3600 {
		t.Errorf("Expected default retry base/cap 60/3600, got %d/%d", cnf.Outbox.RetryBaseSeconds, cnf.Outbox.RetryCapSeconds)
	}
	if cnf.Breaker.FailureThreshold != 5 || cnf.Breaker.SuccessThreshold != 2 {
		t.Errorf("Expected default breaker thresholds 5/2, got %d/%d", cnf.Breaker.FailureThreshold, cnf.Breaker.SuccessThreshold)
	}
	if cnf.Queue.StageQueuePrefix != "crosspost:stage" {
		t.Errorf("Expected default stage queue prefix, got %s", cnf.Queue.StageQueuePrefix)
	}
	if len(cnf.Platforms) == 0 {
		t.Error("Expected default platform list to be filled")
	}
}

func TestValidateSchedulerQueueDefaults(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "some-dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Scheduler: SchedulerConfig{
			Queues: []SchedulerQueue{
				{Stage: "publishing", Platform: "telegram", RequestsPerSecond: 4},
			},
		},
	}

	if err := cnf.validateAndAddDefaults(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	q := cnf.Scheduler.Queues[0]
	if q.Weight != 1 {
		t.Errorf("Expected default weight 1, got %d", q.Weight)
	}
	if q.Burst != 8 {
		t.Errorf("Expected burst to default to twice the rate, got %d", q.Burst)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	// Create a temporary file
	tmpFile, err := os.CreateTemp("", "crosspost.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name()) // Clean up after the test

	// Sample configuration to write to the temp file
	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		DataSource: DataSourceConfig{
			Dns: "temp-dns",
		},
		Redis: RedisConfig{
			Dns: "temp-redis",
		},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close() // Close the file so loadConfigFromFile can open it

	// Set an environment variable to override the project name
	os.Setenv("CROSSPOST_PROJECT_NAME", "Env Project")
	defer os.Unsetenv("CROSSPOST_PROJECT_NAME") // Clean up after the test

	// Load the configuration from the file
	if err := loadConfigFromFile(tmpFile.Name()); err != nil {
		t.Fatalf("loadConfigFromFile failed: %v", err)
	}

	// Fetch the loaded configuration
	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	// Check if the environment variable override worked
	if loadedConfig.ProjectName != "Env Project" {
		t.Errorf("Expected ProjectName to be 'Env Project', got '%s'", loadedConfig.ProjectName)
	}

	// Check if the DNS was loaded correctly from the file
	if loadedConfig.DataSource.Dns != "temp-dns" {
		t.Errorf("Expected DataSource.Dns to be 'temp-dns', got '%s'", loadedConfig.DataSource.Dns)
	}
}
