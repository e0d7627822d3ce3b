package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"examrelay/internal/logging"
	"examrelay/pkg/interfaces"
	"examrelay/pkg/types"
)

// Event types published by the exam-scheduling workflow
const (
	EventExamAssigned      = "exam_assigned"
	EventExamStatusChanged = "exam_status_changed"
)

// readRetryDelay is a var so tests can shorten it
var readRetryDelay = time.Second

var (
	ErrMalformedEvent   = errors.New("malformed exam event")
	ErrUnknownEventType = errors.New("unknown exam event type")
)

// Event is the wire form of a workflow message: {"type": "...", "payload": {...}}
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MessageReader is the slice of *kafka.Reader the consumer needs
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config for the Kafka reader
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer turns workflow events into exam-channel pushes
// ARCHITECTURAL DISCOVERY: Messages are handled in partition order on one goroutine so
// an assignment is never overtaken by its own status change
type Consumer struct {
	reader    MessageReader
	publisher interfaces.ExamPublisher
	logger    *zap.Logger
}

// NewReader builds the kafka-go group reader
func NewReader(config Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  config.Brokers,
		Topic:    config.Topic,
		GroupID:  config.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
}

// NewConsumer wraps reader; the consumer owns and closes it
func NewConsumer(reader MessageReader, publisher interfaces.ExamPublisher, logger *zap.Logger) *Consumer {
	return &Consumer{
		reader:    reader,
		publisher: publisher,
		logger:    logging.OrNop(logger).Named("ingest"),
	}
}

// Run consumes until ctx is cancelled. Malformed events are logged, committed and
// skipped so one bad message cannot wedge the partition.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("closing kafka reader", zap.Error(err))
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("kafka fetch failed", zap.Error(err))
			select {
			case <-time.After(readRetryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if err := c.Handle(ctx, msg.Value); err != nil {
			c.logger.Warn("skipping exam event",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("kafka commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// Handle decodes one event and pushes it to the exam channel
func (c *Consumer) Handle(ctx context.Context, value []byte) error {
	var event Event
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(event.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrMalformedEvent)
	}

	var (
		report interfaces.DeliveryReport
		group  string
		err    error
	)

	switch event.Type {
	case EventExamAssigned:
		var assignment types.ExamAssignment
		if err := json.Unmarshal(event.Payload, &assignment); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		group = assignment.ClassGroup
		report, err = c.publisher.PushExamAssignment(ctx, group, assignment)

	case EventExamStatusChanged:
		var change types.ExamStatusChange
		if err := json.Unmarshal(event.Payload, &change); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		group = change.ClassGroup
		report, err = c.publisher.PushExamStatusChange(ctx, group, change)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, event.Type)
	}

	if err != nil {
		return fmt.Errorf("push %s: %w", event.Type, err)
	}

	c.logger.Debug("exam event pushed",
		zap.String("type", event.Type),
		zap.String("group", group),
		zap.Int("targeted", report.Targeted),
		zap.Int("delivered", report.Delivered),
	)
	return nil
}
