package dispatcherror

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConstructorCodes(t *testing.T) {
	assert.Equal(t, ErrDuplicateEvent, Duplicate("post", "pst_1").Code)
	assert.Equal(t, ErrValidation, Validation("bad payload").Code)
	assert.Equal(t, ErrTransient, Transient("connection reset").Code)
	assert.Equal(t, ErrRateLimit, RateLimited("slow down", time.Minute).Code)
	assert.Equal(t, ErrCircuitOpen, CircuitOpen("telegram").Code)
	assert.Equal(t, ErrExpiredEntry, Expired("obx_1").Code)
}

func TestErrorFormat(t *testing.T) {
	err := Validation("caption too long")
	assert.Equal(t, "VALIDATION_ERROR: caption too long", err.Error())
}

func TestCodeOfDefaultsToTransient(t *testing.T) {
	assert.Equal(t, ErrTransient, CodeOf(errors.New("dial tcp: connection refused")))
	assert.Equal(t, ErrRateLimit, CodeOf(RateLimited("slow down", 0)))
}

func TestCodeOfUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("publishing to telegram: %w", Validation("caption too long"))
	assert.Equal(t, ErrValidation, CodeOf(wrapped))
	assert.True(t, Is(wrapped, ErrValidation))
	assert.False(t, Is(wrapped, ErrTransient))
}

func TestRetryAfterHint(t *testing.T) {
	assert.Equal(t, 90*time.Second, RetryAfterHint(RateLimited("slow down", 90*time.Second)))
	assert.Equal(t, time.Duration(0), RetryAfterHint(Transient("boom")))
	assert.Equal(t, time.Duration(0), RetryAfterHint(errors.New("opaque")))
}
