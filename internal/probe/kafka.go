package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"TapLedger/internal/config"
	"TapLedger/internal/model"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

const kafkaPollTimeout = 200 * time.Millisecond

// KafkaPublisher produces report envelopes to a Kafka topic, keyed by tap so
// that one tap's reports stay on one partition.
type KafkaPublisher struct {
	producer *kafka.Producer
	topic    string
}

// NewKafkaPublisher creates a producer for the first configured topic.
func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Topics) == 0 {
		return nil, errors.New("kafka publisher needs a topic")
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":   cfg.Brokers,
		"client.id":           "tapledger-probe",
		"acks":                "1",
		"linger.ms":           5,
		"compression.type":    "snappy",
		"go.delivery.reports": false,
	})
	if err != nil {
		return nil, err
	}
	return &KafkaPublisher{producer: p, topic: cfg.Topics[0]}, nil
}

// Publish enqueues the report for delivery.
func (kp *KafkaPublisher) Publish(_ context.Context, report model.Report) error {
	data, err := EncodeReport(report)
	if err != nil {
		return err
	}
	err = kp.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &kp.topic, Partition: kafka.PartitionAny},
		Key:            []byte(report.TapID.String()),
		Value:          data,
		Headers:        []kafka.Header{{Key: "protocol", Value: []byte(report.Protocol)}},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce report: %w", err)
	}
	return nil
}

// Close flushes outstanding messages and closes the producer.
func (kp *KafkaPublisher) Close() error {
	kp.producer.Flush(10000)
	kp.producer.Close()
	return nil
}

// KafkaSource consumes report envelopes from Kafka topics.
type KafkaSource struct {
	consumer *kafka.Consumer
	topics   []string
	log      *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewKafkaSource creates a consumer in the configured group.
func NewKafkaSource(cfg config.KafkaConfig, log *slog.Logger) (*KafkaSource, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"group.id":           cfg.GroupID,
		"client.id":          "tapledger-node",
		"auto.offset.reset":  cfg.AutoOffsetReset,
		"enable.auto.commit": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return &KafkaSource{
		consumer: c,
		topics:   cfg.Topics,
		log:      log.With("component", "kafka_source"),
		stop:     make(chan struct{}),
	}, nil
}

// Start subscribes to the topics and polls them until Close or ctx is done.
func (ks *KafkaSource) Start(ctx context.Context, deliver Deliver) error {
	if err := ks.consumer.SubscribeTopics(ks.topics, nil); err != nil {
		return fmt.Errorf("failed to subscribe to %v: %w", ks.topics, err)
	}
	ks.log.Info("subscribed", "topics", ks.topics)

	ks.wg.Add(1)
	go func() {
		defer ks.wg.Done()
		for {
			select {
			case <-ks.stop:
				return
			case <-ctx.Done():
				return
			default:
			}

			msg, err := ks.consumer.ReadMessage(kafkaPollTimeout)
			if err != nil {
				var kerr kafka.Error
				if errors.As(err, &kerr) && kerr.IsTimeout() {
					continue
				}
				ks.log.Warn("kafka read failed", "error", err)
				continue
			}
			report, err := DecodeReport(msg.Value, headerProtocol(msg.Headers))
			if err != nil {
				ks.log.Warn("dropping malformed report", "partition", msg.TopicPartition.Partition, "offset", msg.TopicPartition.Offset, "error", err)
				continue
			}
			deliver(ctx, report)
		}
	}()
	return nil
}

// headerProtocol renders the protocol header as a one-token subject.
func headerProtocol(headers []kafka.Header) string {
	for _, h := range headers {
		if h.Key == "protocol" {
			return string(h.Value)
		}
	}
	return ""
}

// Ready reports whether the consumer holds a partition assignment.
func (ks *KafkaSource) Ready() error {
	parts, err := ks.consumer.Assignment()
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return errors.New("no kafka partitions assigned")
	}
	return nil
}

// Close stops polling and closes the consumer, committing its offsets.
func (ks *KafkaSource) Close() error {
	close(ks.stop)
	ks.wg.Wait()
	return ks.consumer.Close()
}
