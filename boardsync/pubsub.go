package boardsync

import (
	"context"
	"encoding/json"
	"io"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"

	"bitbucket.org/mmdatafocus/ordersync_backend/config"
	"bitbucket.org/mmdatafocus/ordersync_backend/utils"
)

// SyncPubSubPayload is the message published when a sync run is queued.
type SyncPubSubPayload struct {
	RunId        uint   `json:"run_id"`
	BusinessId   string `json:"business_id"`
	ConnectionId uint   `json:"connection_id"`
}

// PubSubPushEnvelope is the push-delivery wrapper Google wraps messages in.
type PubSubPushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageId string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func PublishSyncRun(ctx context.Context, runId uint, businessId string, connectionId uint) error {
	topicName := utils.EnvString("WORKBOARD_SYNC_TOPIC", "workboard-sync")

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if utils.EnvBool("WORKBOARD_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	payload := SyncPubSubPayload{
		RunId:        runId,
		BusinessId:   businessId,
		ConnectionId: connectionId,
	}
	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler receives push deliveries for queued sync runs. It always
// acks (204): the run-level compare-and-set plus the idempotency key make
// duplicate deliveries harmless, and a nack storm on a poisoned message helps
// nobody.
func PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.EnvBool("ENABLE_WORKBOARD_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.RunId == 0 || payload.BusinessId == "" {
			c.Status(204)
			return
		}

		_ = processSyncRun(c.Request.Context(), payload, envelope.Message.MessageId)
		c.Status(204)
	}
}

func processSyncRun(ctx context.Context, payload SyncPubSubPayload, messageId string) error {
	db := config.GetDB()
	logger := config.GetLogger()

	var runErr error
	if messageId != "" {
		key, process, err := BeginIdempotency(ctx, db, payload.BusinessId, "workboard_sync_run", messageId)
		if err != nil {
			return err
		}
		if !process {
			return nil
		}
		defer func() {
			_ = EndIdempotency(ctx, db, key, runErr)
		}()
	}

	service := NewService(db)
	_, runErr = service.ExecuteQueuedRun(ctx, payload.BusinessId, payload.RunId)
	if runErr != nil {
		config.LogError(logger, "boardsync", "processSyncRun", "sync run failed", payload.RunId, runErr)
	}
	return runErr
}
