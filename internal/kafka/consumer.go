// Package kafka ingests game data saves queued by devices that upload their
// offline progress in bulk.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/gamedata-sync/internal/config"
	"github.com/gamedata-sync/internal/domain"
	"github.com/gamedata-sync/internal/metrics"
	"github.com/google/uuid"
)

// SaveHandler persists batches of save commands. An error means part of the
// batch may be unsaved and the batch must be delivered again.
type SaveHandler interface {
	SaveChildDataBatch(ctx context.Context, commands []domain.SaveCommand) (domain.BatchResult, error)
}

// Consumer consumes save commands from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       SaveHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler SaveHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Return.Errors = true
	saramaConfig.Consumer.Retry.Backoff = cfg.RetryDelay
	saramaConfig.Metadata.Retry.Max = cfg.RetryAttempts
	saramaConfig.Metadata.Retry.Backoff = cfg.RetryDelay

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start begins consuming messages and returns once the first session is set up
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	// each session gets a fresh ready channel; only the first is waited on
	first := make(chan bool)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ready := first
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			if c.ctx.Err() != nil {
				return
			}

			ready = make(chan bool)
		}
	}()

	select {
	case <-first:
		c.logger.Info("Kafka consumer ready")
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim batches commands from one partition. Offsets are marked only
// after the batch holding them was saved, so a crash replays at most one
// batch. When a batch cannot be saved the claim ends without marking it and
// the session restarts from the last marked offset.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	logger := h.consumer.logger

	batch := make([]domain.SaveCommand, 0, cfg.BatchSize)
	var last *sarama.ConsumerMessage
	batchTimer := time.NewTimer(cfg.BatchTimeout)
	defer batchTimer.Stop()

	processBatch := func() error {
		if len(batch) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			result, err := h.consumer.handler.SaveChildDataBatch(ctx, batch)
			cancel()

			metrics.RecordIngest(result.Saved, result.Failed)
			if err != nil {
				logger.Error("batch could not be saved, leaving it for redelivery",
					"batch_size", len(batch),
					"saved", result.Saved,
					"failed", result.Failed,
					"error", err,
				)
				return err
			}
			if result.Failed > 0 {
				logger.Error("batch had failed saves",
					"batch_size", len(batch),
					"saved", result.Saved,
					"failed", result.Failed,
				)
			} else {
				logger.Debug("processed batch", "batch_size", len(batch))
			}
			batch = batch[:0]
		}
		if last != nil {
			session.MarkMessage(last, "")
			last = nil
		}
		return nil
	}

	for {
		select {
		case <-session.Context().Done():
			return processBatch()

		case <-batchTimer.C:
			if err := processBatch(); err != nil {
				return err
			}
			batchTimer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				return processBatch()
			}
			last = message

			cmd, err := DecodeCommand(message.Key, message.Value)
			if err != nil {
				logger.Warn("dropping malformed save command",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				metrics.RecordIngest(0, 1)
				continue
			}

			batch = append(batch, cmd)
			if len(batch) >= cfg.BatchSize {
				if err := processBatch(); err != nil {
					return err
				}
				batchTimer.Reset(cfg.BatchTimeout)
			}
		}
	}
}

// DecodeCommand parses a message value into a SaveCommand. The message key,
// when set, is the child ID and must agree with the payload.
func DecodeCommand(key, value []byte) (domain.SaveCommand, error) {
	var cmd domain.SaveCommand
	if err := json.Unmarshal(value, &cmd); err != nil {
		return cmd, fmt.Errorf("decoding save command: %w", err)
	}

	if cmd.ChildID == uuid.Nil {
		if len(key) == 0 {
			return cmd, domain.NewValidationError("childId", "is required")
		}
		id, err := uuid.ParseBytes(key)
		if err != nil {
			return cmd, domain.NewValidationError("childId", "message key is not a UUID")
		}
		cmd.ChildID = id
	} else if len(key) > 0 && string(key) != cmd.ChildID.String() {
		return cmd, domain.NewValidationError("childId", "does not match message key")
	}

	if cmd.GameKey == "" {
		return cmd, domain.NewValidationError("gameKey", "is required")
	}
	if cmd.DataKey == "" {
		return cmd, domain.NewValidationError("dataKey", "is required")
	}
	if len(cmd.DataValue) == 0 {
		return cmd, domain.NewValidationError("dataValue", "is required")
	}
	return cmd, nil
}

// EncodeCommand builds the message key and value for a SaveCommand
func EncodeCommand(cmd domain.SaveCommand) (key, value []byte, err error) {
	value, err = json.Marshal(cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding save command: %w", err)
	}
	return []byte(cmd.ChildID.String()), value, nil
}
