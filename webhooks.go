/*
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
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hibiken/asynq"

	"github.com/sovani/crosspost/config"
	"github.com/sovani/crosspost/internal/request"
	"github.com/sovani/crosspost/model"
)

// WebhookSink delivers lifecycle events to the configured webhook URL through
// the webhook queue, so event delivery never blocks a dispatch path and
// failed deliveries are retried by the queue.
type WebhookSink struct{}

// Notify enqueues the event for webhook delivery.
func (w *WebhookSink) Notify(event model.LifecycleEvent) error {
	return SendWebhook(event)
}

// processHTTP sends a webhook notification via HTTP POST request.
//
// Parameters:
// - event model.LifecycleEvent: The lifecycle event to send.
//
// Returns:
// - error: An error if the request or processing fails.
func processHTTP(event model.LifecycleEvent) error {
	conf, err := config.Fetch()
	if err != nil {
		log.Println("Error fetching config:", err)
		return err
	}

	payload, err := request.ToJsonReq(&event)
	if err != nil {
		log.Println("Error marshaling event:", err)
		return err
	}

	req, err := http.NewRequest("POST", conf.Notification.Webhook.Url, payload)
	if err != nil {
		log.Println("Error creating request:", err)
		return err
	}

	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	var response map[string]interface{}
	resp, err := request.Call(req, &response)
	if err != nil {
		if resp != nil {
			defer func(Body io.ReadCloser) {
				if err := Body.Close(); err != nil {
					logrus.Error(err)
				}
			}(resp.Body)
		}
		log.Println("Error sending request:", err)
		return err
	}

	// A non-2XX response is the receiver's problem; don't retry on it.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("Request failed with status code: %d\n", resp.StatusCode)
		return nil
	}

	log.Println("Webhook notification sent successfully:", event.Event)
	return nil
}

// SendWebhook enqueues a lifecycle event for webhook delivery. A no-op when
// no webhook URL is configured.
//
// Parameters:
// - event model.LifecycleEvent: The lifecycle event to enqueue.
//
// Returns:
// - error: An error if the task could not be enqueued.
func SendWebhook(event model.LifecycleEvent) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	client := asynq.NewClient(asynq.RedisClientOpt{Addr: conf.Redis.Dns})
	payload, err := json.Marshal(event)
	if err != nil {
		log.Println(err)
		return err
	}
	taskOptions := []asynq.Option{asynq.Queue(conf.Queue.WebhookQueue)}
	task := asynq.NewTask(conf.Queue.WebhookQueue, payload, taskOptions...)
	info, err := client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	return err
}

// ProcessWebhook processes a webhook notification task from the queue.
//
// Parameters:
// - _ context.Context: The context for the operation.
// - task *asynq.Task: The task containing the lifecycle event.
//
// Returns:
// - error: An error if the webhook processing fails.
func ProcessWebhook(_ context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}
	var event model.LifecycleEvent
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		log.Printf("Error unmarshaling task payload: %v", err)
		return err
	}
	log.Printf("Processing webhook: %+v\n", event.Event)
	return processHTTP(event)
}
