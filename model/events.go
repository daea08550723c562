package model

import "time"

// Lifecycle event names emitted to the notification sink.
const (
	EventPostCreated         = "post.created"
	EventStageCompleted      = "post.stage_completed"
	EventPostPublished       = "post.published"
	EventPostFailed          = "post.failed"
	EventPostCancelled       = "post.cancelled"
	EventOutboxExpired       = "outbox.expired"
	EventBreakerStateChanged = "breaker.state_changed"
)

// LifecycleEvent is the payload delivered for every terminal or
// stage-boundary outcome. Nothing fails silently: failed, expired and
// cancelled all produce one of these.
type LifecycleEvent struct {
	Event      string                 `json:"event"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Platform   string                 `json:"platform,omitempty"`
	Stage      string                 `json:"stage,omitempty"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}
