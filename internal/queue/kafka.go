package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
)

// Handler processes one job. Returning nil commits the job's offset; an error
// leaves it uncommitted so it is redelivered after a restart or rebalance.
type Handler func(ctx context.Context, job ImportJob) error

// Producer publishes import jobs.
type Producer struct {
	producer *kafka.Producer
	topic    string
	flush    time.Duration
}

// NewProducer connects a producer for topic.
func NewProducer(brokers []string, topic string, flushTimeout time.Duration) (*Producer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(brokers, ","),
		"client.id":          "productimport-api",
		"acks":               "all",
		"enable.idempotence": true,
		"retries":            5,
		"retry.backoff.ms":   500,
		"linger.ms":          5,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &Producer{producer: p, topic: topic, flush: flushTimeout}, nil
}

// Enqueue publishes job keyed by task id and waits for the broker to
// acknowledge it.
func (p *Producer) Enqueue(ctx context.Context, job ImportJob) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	value, err := job.Encode()
	if err != nil {
		return err
	}

	delivery := make(chan kafka.Event, 1)
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(job.TaskID),
		Value:          value,
		Headers:        []kafka.Header{{Key: "content-type", Value: []byte("application/json")}},
	}
	if err := p.producer.Produce(msg, delivery); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.TaskID, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-delivery:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("enqueue %s: unexpected event %v", job.TaskID, ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("enqueue %s: %w", job.TaskID, m.TopicPartition.Error)
		}
		return nil
	}
}

// Close flushes outstanding messages and closes the producer.
func (p *Producer) Close() {
	if remaining := p.producer.Flush(int(p.flush.Milliseconds())); remaining > 0 {
		slog.Warn("kafka producer closed with undelivered messages", "count", remaining)
	}
	p.producer.Close()
}

// Consumer reads import jobs with manual offset commits.
type Consumer struct {
	consumer    *kafka.Consumer
	pollTimeout time.Duration
}

// NewConsumer joins groupID and subscribes to topic.
func NewConsumer(brokers []string, groupID, topic string, pollTimeout time.Duration) (*Consumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":     strings.Join(brokers, ","),
		"group.id":              groupID,
		"auto.offset.reset":     "earliest",
		"enable.auto.commit":    false,
		"session.timeout.ms":    30000,
		"heartbeat.interval.ms": 3000,
		// Imports can run for hours between polls.
		"max.poll.interval.ms": 6 * 60 * 60 * 1000,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if err := c.Subscribe(topic, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if pollTimeout <= 0 {
		pollTimeout = 500 * time.Millisecond
	}
	return &Consumer{consumer: c, pollTimeout: pollTimeout}, nil
}

// Run polls until ctx is cancelled, handing each job to handle. Jobs are
// processed one at a time; the offset is committed only after handle
// returns nil. A failed job is redelivered after retryBackoff so later jobs
// on the partition never commit past it. Undecodable payloads are logged and
// committed.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		switch e := c.consumer.Poll(int(c.pollTimeout.Milliseconds())).(type) {
		case nil:
			continue

		case *kafka.Message:
			job, err := DecodeJob(e.Value)
			if err != nil {
				slog.Error("dropping malformed import job",
					"partition", e.TopicPartition.Partition,
					"offset", e.TopicPartition.Offset,
					"error", err)
				c.commit(e)
				continue
			}
			if err := handle(ctx, job); err != nil {
				slog.Error("import job not acknowledged, will retry", "task_id", job.TaskID, "error", err)
				c.rewind(ctx, e)
				continue
			}
			c.commit(e)

		case kafka.Error:
			if e.IsFatal() {
				return fmt.Errorf("kafka consumer: %w", e)
			}
			slog.Warn("kafka consumer error", "code", e.Code().String(), "error", e.Error())
		}
	}
}

// retryBackoff is the pause before a failed job is polled again.
const retryBackoff = 5 * time.Second

// rewind seeks the partition back to m so the next poll returns it again.
func (c *Consumer) rewind(ctx context.Context, m *kafka.Message) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(retryBackoff):
	}
	if err := c.consumer.Seek(m.TopicPartition, 0); err != nil {
		slog.Warn("seek to failed job",
			"partition", m.TopicPartition.Partition,
			"offset", m.TopicPartition.Offset,
			"error", err)
	}
}

func (c *Consumer) commit(m *kafka.Message) {
	if _, err := c.consumer.CommitMessage(m); err != nil {
		slog.Warn("commit offset failed",
			"partition", m.TopicPartition.Partition,
			"offset", m.TopicPartition.Offset,
			"error", err)
	}
}

// Close leaves the group and releases the consumer.
func (c *Consumer) Close() error {
	return c.consumer.Close()
}

// EnsureTopic creates topic if it does not already exist.
func EnsureTopic(ctx context.Context, brokers []string, topic string, partitions int) error {
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": strings.Join(brokers, ","),
	})
	if err != nil {
		return fmt.Errorf("create kafka admin client: %w", err)
	}
	defer admin.Close()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}}, kafka.SetAdminOperationTimeout(30*time.Second))
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, r := range results {
		if code := r.Error.Code(); code != kafka.ErrNoError && code != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("create topic %s: %s", r.Topic, r.Error.String())
		}
	}
	return nil
}
