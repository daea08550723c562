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
	"sync"

	"github.com/sovani/crosspost/model"
)

// MockPublisher is a configurable Publisher for tests. With no PublishFunc it
// reports success with a synthetic platform post ID.
type MockPublisher struct {
	PublishFunc func(ctx context.Context, post *model.Post) (*model.PublishResult, error)
}

func (m *MockPublisher) Publish(ctx context.Context, post *model.Post) (*model.PublishResult, error) {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, post)
	}
	return &model.PublishResult{
		PlatformPostID:  "mock-" + post.PostID,
		PlatformPostURL: "https://example.com/mock-" + post.PostID,
	}, nil
}

// MockTranscoder is a configurable MediaTranscoder for tests.
type MockTranscoder struct {
	RenderFunc func(ctx context.Context, post *model.Post, profile string) (*model.Rendition, error)
}

func (m *MockTranscoder) Render(ctx context.Context, post *model.Post, profile string) (*model.Rendition, error) {
	if m.RenderFunc != nil {
		return m.RenderFunc(ctx, post, profile)
	}
	return &model.Rendition{
		RenditionID: "rnd-" + profile,
		Profile:     profile,
		Path:        "/tmp/" + profile + ".mp4",
	}, nil
}

// MockCaptionGenerator is a configurable CaptionGenerator for tests.
type MockCaptionGenerator struct {
	GenerateFunc func(ctx context.Context, post *model.Post) (string, []string, error)
}

func (m *MockCaptionGenerator) Generate(ctx context.Context, post *model.Post) (string, []string, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, post)
	}
	return post.OriginalText, nil, nil
}

// MemorySink collects lifecycle events in memory so tests can assert on what
// was emitted.
type MemorySink struct {
	mu     sync.Mutex
	events []model.LifecycleEvent
}

func (s *MemorySink) Notify(event model.LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything notified so far.
func (s *MemorySink) Events() []model.LifecycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.LifecycleEvent, len(s.events))
	copy(out, s.events)
	return out
}

// EventsNamed returns the collected events with the given name.
func (s *MemorySink) EventsNamed(name string) []model.LifecycleEvent {
	var out []model.LifecycleEvent
	for _, e := range s.Events() {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}
