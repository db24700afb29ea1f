package kafka

import (
	"time"

	"github.com/Shopify/sarama"

	"convocore/tools/errs"
)

var KafkaClient sarama.Client

func buildBaseConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0

	// Producer
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	// Key-controlled partitioning: events for one conversation stay ordered.
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	// Consumer
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true

	// Net
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

func InitKafkaClient(brokers []string) error {
	client, err := sarama.NewClient(brokers, buildBaseConfig())
	if err != nil {
		return errs.ErrTransient.WrapMsg("kafka client", "brokers", brokers)
	}
	KafkaClient = client
	return nil
}

func CloseKafka() error {
	if KafkaClient != nil {
		return KafkaClient.Close()
	}
	return nil
}
