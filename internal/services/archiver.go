package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"

	"coinflip-backend/internal/lib/logger/sl"
	"coinflip-backend/internal/models"
)

type ArchiveSink interface {
	StoreRound(ctx context.Context, round *models.Round) error
	StoreTransaction(ctx context.Context, tx *models.Transaction) error
}

// Archiver copies the ledger and round outbox streams into an ArchiveSink.
// Entries are acknowledged and deleted only after the sink accepted them.
// An entry the sink keeps rejecting moves to the dead-letter stream after
// maxDeliveries attempts.
type Archiver struct {
	redis         *RedisService
	sink          ArchiveSink
	consumer      string
	interval      time.Duration
	batch         int64
	maxDeliveries int64
	log           *slog.Logger

	retryPending bool
}

func NewArchiver(redisService *RedisService, sink ArchiveSink, consumer string, interval time.Duration, log *slog.Logger) *Archiver {
	return &Archiver{
		redis:         redisService,
		sink:          sink,
		consumer:      consumer,
		interval:      interval,
		batch:         100,
		maxDeliveries: ArchiverMaxDeliveries,
		log:           log.With(slog.String("component", "archiver")),
	}
}

func (a *Archiver) SetMaxDeliveries(n int64) {
	a.maxDeliveries = n
}

func (a *Archiver) EnsureGroups(ctx context.Context) error {
	for _, stream := range []string{KeyLedgerOutbox, KeyRoundOutbox} {
		err := a.redis.client.XGroupCreateMkStream(ctx, stream, ArchiverConsumerGroup, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group on %s: %w", stream, err)
		}
	}
	return nil
}

func (a *Archiver) Run(ctx context.Context) error {
	if err := a.EnsureGroups(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.log.Info("archiver started", slog.String("consumer", a.consumer))

	for {
		select {
		case <-ctx.Done():
			a.log.Info("archiver stopped")
			return nil
		case <-ticker.C:
			for {
				n, err := a.ProcessOnce(ctx)
				if err != nil {
					a.log.Error("archive batch failed", sl.Err(err))
					break
				}
				if n < int(a.batch) {
					break
				}
			}
		}
	}
}

// ProcessOnce archives one batch without blocking and returns how many
// entries it read.
func (a *Archiver) ProcessOnce(ctx context.Context) (int, error) {
	start := ">"
	if a.retryPending {
		start = "0"
		if err := a.deadLetter(ctx); err != nil {
			return 0, err
		}
	}

	streams, err := a.redis.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ArchiverConsumerGroup,
		Consumer: a.consumer,
		Streams:  []string{KeyLedgerOutbox, KeyRoundOutbox, start, start},
		Count:    a.batch,
		Block:    -1,
	}).Result()
	if err == redis.Nil {
		a.retryPending = false
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox: %w", err)
	}

	read := 0
	failed := false
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			read++

			if err := a.archive(ctx, stream.Stream, msg); err != nil {
				failed = true
				a.log.Error("failed to archive entry",
					slog.String("stream", stream.Stream),
					slog.String("id", msg.ID),
					sl.Err(err),
				)
				continue
			}

			if err := a.release(ctx, stream.Stream, msg.ID); err != nil {
				return read, err
			}
		}
	}
	a.retryPending = failed

	return read, nil
}

// release acks an entry and removes it from the stream.
func (a *Archiver) release(ctx context.Context, stream, id string) error {
	_, err := a.redis.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, stream, ArchiverConsumerGroup, id)
		pipe.XDel(ctx, stream, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", id, err)
	}
	return nil
}

// deadLetter moves this consumer's pending entries that were delivered too
// often to KeyOutboxDeadLetter, so they stop holding back newer entries.
func (a *Archiver) deadLetter(ctx context.Context) error {
	for _, stream := range []string{KeyLedgerOutbox, KeyRoundOutbox} {
		pending, err := a.redis.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream:   stream,
			Group:    ArchiverConsumerGroup,
			Start:    "-",
			End:      "+",
			Count:    a.batch,
			Consumer: a.consumer,
		}).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("failed to read pending entries of %s: %w", stream, err)
		}

		for _, p := range pending {
			if p.RetryCount < a.maxDeliveries {
				continue
			}

			msgs, err := a.redis.client.XRangeN(ctx, stream, p.ID, p.ID, 1).Result()
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", p.ID, err)
			}

			values := map[string]interface{}{}
			if len(msgs) == 1 {
				for k, v := range msgs[0].Values {
					values[k] = v
				}
			}
			values["source_stream"] = stream
			values["source_id"] = p.ID

			_, err = a.redis.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.XAdd(ctx, a.redis.outboxArgs(KeyOutboxDeadLetter, values))
				pipe.XAck(ctx, stream, ArchiverConsumerGroup, p.ID)
				pipe.XDel(ctx, stream, p.ID)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to dead-letter %s: %w", p.ID, err)
			}

			a.log.Warn("outbox entry moved to dead letter",
				slog.String("stream", stream),
				slog.String("id", p.ID),
				slog.Int64("deliveries", p.RetryCount),
			)
		}
	}
	return nil
}

func (a *Archiver) archive(ctx context.Context, stream string, msg redis.XMessage) error {
	switch stream {
	case KeyLedgerOutbox:
		raw, _ := msg.Values["tx"].(string)

		var tx models.Transaction
		if err := json.Unmarshal([]byte(raw), &tx); err != nil {
			a.log.Warn("dropping malformed ledger entry", slog.String("id", msg.ID), sl.Err(err))
			return nil
		}
		return a.sink.StoreTransaction(ctx, &tx)

	case KeyRoundOutbox:
		fields := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			fields[k] = fmt.Sprint(v)
		}

		round, err := roundFromHash(fields)
		if err != nil {
			a.log.Warn("dropping malformed round entry", slog.String("id", msg.ID), sl.Err(err))
			return nil
		}
		return a.sink.StoreRound(ctx, round)
	}

	return nil
}
