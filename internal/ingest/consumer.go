package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

type (
	ConsumerConfig struct {
		Brokers []string
		Topic   string
		GroupID string
	}

	// Consumer feeds a dispatcher with events read from a Kafka topic, one
	// JSON event per message.
	Consumer struct {
		reader     *kafka.Reader
		dispatcher *Dispatcher
	}
)

func NewConsumer(cfg ConsumerConfig, d *Dispatcher) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			MaxWait:        time.Second,
			CommitInterval: time.Second,
		}),
		dispatcher: d,
	}
}

// Run consumes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		c.handleMessage(m)
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Int64("offset", m.Offset).Msg("can't commit message")
		}
	}
}

// handleMessage drops messages it can't decode, they would never succeed
// on a retry.
func (c *Consumer) handleMessage(m kafka.Message) {
	e, err := DecodeEvent(m.Value)
	if err != nil {
		log.Warn().
			Err(err).
			Str("topic", m.Topic).
			Int("partition", m.Partition).
			Int64("offset", m.Offset).
			Msg("can't decode event")
		return
	}
	_ = c.dispatcher.Dispatch(e)
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
