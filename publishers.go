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

package crosspost

import (
	"context"

	"github.com/sovani/crosspost/internal/dispatcherror"
	"github.com/sovani/crosspost/model"
)

// Publisher posts a content item to one external platform. Implementations
// live outside the core; the core only classifies their errors and records
// their results. The core never branches on platform identity beyond looking
// up the publisher, its rules and its breaker by name.
type Publisher interface {
	// Publish delivers the post's renditions and caption to the platform.
	// Errors must be classifiable by the dispatch taxonomy; unclassified
	// errors are treated as transient.
	Publish(ctx context.Context, post *model.Post) (*model.PublishResult, error)
}

// MediaTranscoder renders platform-specific variants of a source asset. The
// core tracks only the identity of the produced renditions.
type MediaTranscoder interface {
	Render(ctx context.Context, post *model.Post, profile string) (*model.Rendition, error)
}

// CaptionGenerator produces the caption and hashtags for a post on its way
// through the captioning stage.
type CaptionGenerator interface {
	Generate(ctx context.Context, post *model.Post) (caption string, hashtags []string, err error)
}

// NotificationSink receives structured lifecycle events. Delivery is
// external; the core only guarantees that every terminal outcome emits one.
type NotificationSink interface {
	Notify(event model.LifecycleEvent) error
}

// RegisterPublisher wires the publisher for one platform. Must be called
// before the scheduler starts dispatching to that platform.
func (c *Crosspost) RegisterPublisher(platform string, p Publisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishers[platform] = p
}

// SetTranscoder wires the media transcoder collaborator.
func (c *Crosspost) SetTranscoder(t MediaTranscoder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcoder = t
}

// SetCaptionGenerator wires the caption generator collaborator.
func (c *Crosspost) SetCaptionGenerator(g CaptionGenerator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captioner = g
}

// SetNotificationSink replaces the default webhook sink.
func (c *Crosspost) SetNotificationSink(s NotificationSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = s
}

func (c *Crosspost) publisherFor(platform string) (Publisher, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.publishers[platform]
	if !ok {
		return nil, dispatcherror.Validation("no publisher registered for platform " + platform)
	}
	return p, nil
}
