package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ksred/klear-broker/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaQueue carries jobs on one topic. Consumers share a group so each job
// is handled by one worker process. Offsets are committed when a job is
// dequeued; failures are handled by re-enqueueing, not by redelivery.
type KafkaQueue struct {
	writer *kafka.Writer
	reader *kafka.Reader
}

func NewKafkaQueue(cfg config.KafkaConfig) *KafkaQueue {
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "klear-broker-jobs"
	}

	return &KafkaQueue{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 5 * time.Second,
			MaxAttempts:  3,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       1 << 20,
			CommitInterval: time.Second,
		}),
	}
}

// Enqueue writes the job keyed by its id.
func (q *KafkaQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	msg := kafka.Message{
		Key:   []byte(job.ID),
		Value: data,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(job.Type)},
		},
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	return nil
}

// Dequeue reads the next job. Undecodable messages are logged and skipped.
func (q *KafkaQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		msg, err := q.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Job{}, ErrQueueClosed
			}
			return Job{}, err
		}

		var job Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			log.Error().
				Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("Dropping undecodable job message")
			continue
		}
		return job, nil
	}
}

func (q *KafkaQueue) Close() error {
	return errors.Join(q.writer.Close(), q.reader.Close())
}
