package kafka

import (
	"context"
	"sync"

	"github.com/Shopify/sarama"

	"convocore/logger"
	"convocore/tools/errs"
)

// TopicHandler processes one record; returning an error only logs, the
// offset is still marked (downstream views are idempotent, a redelivered
// event is harmless).
type TopicHandler func(topic string, key, value []byte) error

var (
	handlerMu sync.RWMutex
	handlers  = map[string]TopicHandler{}
)

func RegisterHandler(topic string, h TopicHandler) {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	handlers[topic] = h
}

func getHandler(topic string) (TopicHandler, bool) {
	handlerMu.RLock()
	defer handlerMu.RUnlock()
	h, ok := handlers[topic]
	return h, ok
}

type consumerGroupHandler struct{}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	logger.Info("kafka consumer group setup")
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	logger.Info("kafka consumer group cleanup")
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if handler, ok := getHandler(msg.Topic); ok {
			if err := handler(msg.Topic, msg.Key, msg.Value); err != nil {
				logger.Errorf("kafka handler error topic=%s: %v", msg.Topic, err)
			}
		} else {
			logger.Warnf("no kafka handler for topic %s", msg.Topic)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// StartConsumerGroup consumes topics until ctx is cancelled.
func StartConsumerGroup(ctx context.Context, brokers []string, groupID string, topics []string) error {
	group, err := sarama.NewConsumerGroup(brokers, groupID, buildBaseConfig())
	if err != nil {
		return errs.ErrTransient.WrapMsg("kafka consumer group", "group", groupID)
	}

	go func() {
		for err := range group.Errors() {
			logger.Errorf("kafka consumer group error: %v", err)
		}
	}()

	go func() {
		defer func() { _ = group.Close() }()
		handler := &consumerGroupHandler{}
		for {
			if ctx.Err() != nil {
				return
			}
			if err := group.Consume(ctx, topics, handler); err != nil {
				logger.Errorf("kafka consume error: %v", err)
			}
		}
	}()
	return nil
}
