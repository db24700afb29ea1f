package kafka

import (
	"github.com/Shopify/sarama"

	"convocore/tools/errs"
)

var Producer sarama.SyncProducer

func InitSyncProducerFromClient() error {
	p, err := sarama.NewSyncProducerFromClient(KafkaClient)
	if err != nil {
		return errs.ErrTransient.WrapMsg("kafka sync producer")
	}
	Producer = p
	return nil
}

// SendSync produces one keyed message. The key picks the partition, so all
// events of a conversation land in order.
func SendSync(topic, key string, value []byte) error {
	if Producer == nil {
		return errs.ErrTransient.WrapMsg("kafka producer not initialized")
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	if _, _, err := Producer.SendMessage(msg); err != nil {
		return errs.ErrTransient.WrapMsg("kafka send", "topic", topic, "key", key)
	}
	return nil
}
