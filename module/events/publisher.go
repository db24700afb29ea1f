package events

import (
	"context"

	"convocore/logger"
	"convocore/service/kafka"
	"convocore/service/natsx"
	"convocore/tools/ids"
)

// Bus publishes each committed change twice: NATS for the low-latency
// reconciler feed, Kafka for the durable gateway dispatch. Mirrors the
// split between realtime push and replayable dispatch.
type Bus struct {
	nats       *natsx.Client
	kafkaTopic string
}

func NewBus(nc *natsx.Client, kafkaTopic string) *Bus {
	return &Bus{nats: nc, kafkaTopic: kafkaTopic}
}

// Publish fans the change out. userIDs lists the participants whose
// per-user feeds should also see it (conversation list reordering needs
// the event even when the conversation is not open).
func (b *Bus) Publish(ctx context.Context, ch Change, userIDs []string) {
	if ch.ID == "" {
		ch.ID = ids.GenerateWithPrefix("evt")
	}
	data, err := ch.Encode()
	if err != nil {
		logger.Errorf("encode change event: %v", err)
		return
	}

	if b.nats != nil {
		if ch.ConversationID != "" {
			if err := b.nats.PublishOnce(ctx, SubjectConversation(ch.ConversationID), data, nil, ch.ID); err != nil {
				logger.Warnf("nats publish conv=%s: %v", ch.ConversationID, err)
			}
		}
		for _, uid := range userIDs {
			if err := b.nats.PublishOnce(ctx, SubjectUser(uid), data, nil, ch.ID); err != nil {
				logger.Warnf("nats publish user=%s: %v", uid, err)
			}
		}
	}

	if b.kafkaTopic != "" {
		key := ch.ConversationID
		if key == "" {
			key = ch.ID
		}
		if err := kafka.SendSync(b.kafkaTopic, key, data); err != nil {
			logger.Warnf("kafka publish conv=%s: %v", ch.ConversationID, err)
		}
	}
}
