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

package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sovani/crosspost/internal/dispatcherror"
	"github.com/sovani/crosspost/model"
)

func failOnce() error {
	return dispatcherror.Transient("connection reset")
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 3, SuccessThreshold: 1, RecoveryTimeout: time.Minute})

	assert.NoError(t, r.Allow("telegram"))
	for i := 0; i < 3; i++ {
		err := r.Execute("telegram", failOnce)
		assert.True(t, dispatcherror.Is(err, dispatcherror.ErrTransient))
	}

	assert.Equal(t, model.BreakerStateOpen, r.State("telegram"))

	err := r.Allow("telegram")
	assert.True(t, dispatcherror.Is(err, dispatcherror.ErrCircuitOpen))

	// The open breaker rejects without running fn.
	called := false
	err = r.Execute("telegram", func() error {
		called = true
		return nil
	})
	assert.True(t, dispatcherror.Is(err, dispatcherror.ErrCircuitOpen))
	assert.False(t, called)
}

func TestBreakerValidationErrorsDoNotTrip(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 2, SuccessThreshold: 1, RecoveryTimeout: time.Minute})

	for i := 0; i < 10; i++ {
		err := r.Execute("telegram", func() error {
			return dispatcherror.Validation("caption too long")
		})
		assert.True(t, dispatcherror.Is(err, dispatcherror.ErrValidation))
	}

	assert.Equal(t, model.BreakerStateClosed, r.State("telegram"))
	assert.NoError(t, r.Allow("telegram"))
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: 50 * time.Millisecond})

	assert.Error(t, r.Execute("telegram", failOnce))
	assert.Equal(t, model.BreakerStateOpen, r.State("telegram"))

	time.Sleep(60 * time.Millisecond)

	// The elapsed recovery timeout moves the breaker to half-open; one
	// successful probe closes it.
	assert.NoError(t, r.Allow("telegram"))
	assert.NoError(t, r.Execute("telegram", func() error { return nil }))
	assert.Equal(t, model.BreakerStateClosed, r.State("telegram"))
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: 50 * time.Millisecond})

	assert.Error(t, r.Execute("telegram", failOnce))
	time.Sleep(60 * time.Millisecond)

	assert.Error(t, r.Execute("telegram", failOnce))
	assert.Equal(t, model.BreakerStateOpen, r.State("telegram"))
}

func TestBreakerListenersFireAsynchronously(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Minute})

	type transition struct{ service, from, to string }
	var mu sync.Mutex
	var seen []transition
	r.OnStateChange(func(service, from, to string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, transition{service, from, to})
	})

	assert.Error(t, r.Execute("telegram", failOnce))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, transition{"telegram", model.BreakerStateClosed, model.BreakerStateOpen}, seen[0])
}

func TestBreakerPerServiceIsolation(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Minute})

	assert.Error(t, r.Execute("telegram", failOnce))
	assert.Equal(t, model.BreakerStateOpen, r.State("telegram"))
	assert.Equal(t, model.BreakerStateClosed, r.State("vk"))
	assert.NoError(t, r.Allow("vk"))
}

func TestBreakerConfigureOverridesDefaults(t *testing.T) {
	r := NewRegistry(Config{})
	r.Configure("instagram", Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Minute})

	assert.Error(t, r.Execute("instagram", failOnce))
	assert.Equal(t, model.BreakerStateOpen, r.State("instagram"))

	// The zero-value defaults back-fill to the standard thresholds.
	snap := r.Snapshot("telegram")
	assert.Equal(t, uint32(5), snap.FailureThreshold)
	assert.Equal(t, uint32(2), snap.SuccessThreshold)
	assert.Equal(t, 60, snap.RecoveryTimeout)
}

func TestBreakerSnapshotTracksOutcomes(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 5, SuccessThreshold: 2, RecoveryTimeout: time.Minute})

	assert.NoError(t, r.Execute("telegram", func() error { return nil }))
	assert.Error(t, r.Execute("telegram", failOnce))

	snap := r.Snapshot("telegram")
	assert.Equal(t, "telegram", snap.ServiceName)
	assert.Equal(t, model.BreakerStateClosed, snap.State)
	assert.Equal(t, int64(2), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.TotalFailures)
	assert.NotNil(t, snap.LastSuccessAt)
	assert.NotNil(t, snap.LastFailureAt)

	snaps := r.Snapshots()
	assert.Len(t, snaps, 1)
}
