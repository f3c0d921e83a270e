// Package gifts buffers gift transactions in Redis and settles them against
// the business backend in batches.
//
// Handlers enqueue onto a shared pending list and return immediately; a
// background loop claims the whole list by renaming it to a processing key
// owned by this flush, ships it as one batch, and requeues or dead-letters
// what could not be settled. The backend dedupes by transaction id, so the
// worst a crash mid-flush can cost is a re-submit.
package gifts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/laravel"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/flylive/msab/internal/v1/protocol"
)

const (
	// KeyPending is the shared intake list every instance RPUSHes into.
	KeyPending = "gifts:pending"
	// KeyDeadLetter holds transactions that exhausted their retries or never
	// parsed. Capped so a dead backend cannot eat Redis.
	KeyDeadLetter = "gifts:dead_letter"

	deadLetterCap = 10000

	defaultInterval   = 5 * time.Second
	defaultMaxRetries = 3
)

// claimScript atomically takes ownership of everything pending right now.
// Later enqueues land on a fresh pending list and wait for the next cycle.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('RENAME', KEYS[1], KEYS[2])
return 1
`)

// Backend settles gift batches.
type Backend interface {
	SendGiftBatch(ctx context.Context, txs []laravel.GiftTransaction) (*laravel.GiftBatchResult, error)
}

// SenderNotifier delivers a gift failure back to the socket that sent it,
// if that socket is still connected.
type SenderNotifier interface {
	SendToConnection(connectionID string, event protocol.ServerEvent)
}

// Options configures the buffer.
type Options struct {
	Redis    *redis.Client
	Backend  Backend
	Notifier SenderNotifier

	FlushInterval time.Duration
	MaxRetries    int
}

// Buffer is the at-least-once gift pipeline for this instance.
type Buffer struct {
	rdb      *redis.Client
	backend  Backend
	notifier SenderNotifier

	interval   time.Duration
	maxRetries int
	flushCount int

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewBuffer builds a buffer; call Start to begin flushing.
func NewBuffer(opts Options) *Buffer {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	return &Buffer{
		rdb:        opts.Redis,
		backend:    opts.Backend,
		notifier:   opts.Notifier,
		interval:   opts.FlushInterval,
		maxRetries: opts.MaxRetries,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Enqueue accepts a transaction into the pending list. The caller has
// already acked the sender; settlement is asynchronous from here on.
func (b *Buffer) Enqueue(ctx context.Context, tx laravel.GiftTransaction) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal gift transaction: %w", err)
	}
	if err := b.rdb.RPush(ctx, KeyPending, raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue gift transaction: %w", err)
	}
	metrics.GiftsEnqueued.Inc()
	return nil
}

// Start launches the flush loop.
func (b *Buffer) Start() {
	b.started = true
	go b.loop()
}

func (b *Buffer) loop() {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.Flush(context.Background())
		}
	}
}

// Stop halts the loop and runs one final flush so a clean shutdown leaves
// nothing younger than one interval behind.
func (b *Buffer) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		if b.started {
			<-b.doneCh
		}
		b.Flush(ctx)
	})
}

// Flush runs one claim-and-settle cycle. Exported so Stop and tests can
// drive it directly; the loop is its only concurrent caller and stops
// before Stop flushes.
func (b *Buffer) Flush(ctx context.Context) {
	b.flushCount++
	if b.flushCount%10 == 0 {
		b.observeDeadLetter(ctx)
	}

	key, err := b.claim(ctx)
	if err != nil {
		logging.Error(ctx, "Gift flush could not claim pending list", zap.Error(err))
		metrics.GiftFlushes.WithLabelValues("error").Inc()
		return
	}
	if key == "" {
		return
	}

	raws, err := b.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		// Leave the processing key in place: the data is parked, not lost,
		// and an operator can requeue it.
		logging.Error(ctx, "Gift flush could not read processing list",
			zap.String("key", key), zap.Error(err))
		metrics.GiftFlushes.WithLabelValues("error").Inc()
		return
	}

	valid := make([]laravel.GiftTransaction, 0, len(raws))
	var corrupt []interface{}
	for _, raw := range raws {
		var tx laravel.GiftTransaction
		if err := json.Unmarshal([]byte(raw), &tx); err != nil || tx.TransactionID == "" {
			corrupt = append(corrupt, raw)
			continue
		}
		valid = append(valid, tx)
	}
	if len(corrupt) > 0 {
		logging.Warn(ctx, "Dead-lettering unparseable gift entries", zap.Int("count", len(corrupt)))
		pipe := b.rdb.Pipeline()
		pipe.LPush(ctx, KeyDeadLetter, corrupt...)
		pipe.LTrim(ctx, KeyDeadLetter, 0, deadLetterCap-1)
		if _, err := pipe.Exec(ctx); err != nil {
			logging.Error(ctx, "Failed to dead-letter corrupt gift entries", zap.Error(err))
		}
	}

	if len(valid) == 0 {
		if err := b.rdb.Del(ctx, key).Err(); err != nil {
			logging.Warn(ctx, "Failed to drop empty processing list", zap.String("key", key), zap.Error(err))
		}
		return
	}

	result, err := b.backend.SendGiftBatch(ctx, valid)
	if err != nil {
		b.requeue(ctx, key, valid, err)
		metrics.GiftFlushes.WithLabelValues("error").Inc()
		return
	}

	for _, failure := range result.Failed {
		b.notifyFailure(valid, failure.TransactionID, failure.Code, failure.Reason)
	}
	if err := b.rdb.Del(ctx, key).Err(); err != nil {
		logging.Warn(ctx, "Failed to drop settled processing list", zap.String("key", key), zap.Error(err))
	}

	metrics.GiftFlushes.WithLabelValues("ok").Inc()
	logging.Info(ctx, "Gift batch settled",
		zap.Int("processed", result.ProcessedCount), zap.Int("rejected", len(result.Failed)))
}

// claim renames the pending list to a fresh processing key this flush owns.
// Returns "" when there was nothing pending.
func (b *Buffer) claim(ctx context.Context) (string, error) {
	key := fmt.Sprintf("gifts:processing:%d:%s", os.Getpid(), uuid.NewString())
	moved, err := claimScript.Run(ctx, b.rdb, []string{KeyPending, key}).Int()
	if err != nil {
		return "", err
	}
	if moved == 0 {
		return "", nil
	}
	return key, nil
}

// requeue handles a call-level backend failure: entries that already burned
// every retry go to the dead letter, the rest go back to pending with their
// retry count bumped, and the processing key drops, all in one pipeline.
func (b *Buffer) requeue(ctx context.Context, key string, txs []laravel.GiftTransaction, cause error) {
	logging.Warn(ctx, "Gift batch submission failed, requeueing",
		zap.Int("count", len(txs)), zap.Error(cause))

	pipe := b.rdb.Pipeline()
	var retried, dead int
	for _, tx := range txs {
		if tx.RetryCount >= b.maxRetries {
			raw, err := json.Marshal(tx)
			if err != nil {
				continue
			}
			pipe.LPush(ctx, KeyDeadLetter, raw)
			dead++
			b.notifyFailure(txs, tx.TransactionID, "PROCESSING_FAILED", "gift could not be processed")
			continue
		}
		tx.RetryCount++
		raw, err := json.Marshal(tx)
		if err != nil {
			continue
		}
		pipe.RPush(ctx, KeyPending, raw)
		retried++
	}
	if dead > 0 {
		pipe.LTrim(ctx, KeyDeadLetter, 0, deadLetterCap-1)
	}
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Error(ctx, "Gift requeue pipeline failed", zap.String("key", key), zap.Error(err))
		return
	}
	if dead > 0 {
		logging.Warn(ctx, "Gift transactions exhausted retries",
			zap.Int("deadLettered", dead), zap.Int("retried", retried))
	}
}

// notifyFailure emits gift:error to the sending socket, if we still hold it.
func (b *Buffer) notifyFailure(txs []laravel.GiftTransaction, transactionID, code, reason string) {
	if b.notifier == nil {
		return
	}
	for _, tx := range txs {
		if tx.TransactionID != transactionID || tx.SenderConnectionID == "" {
			continue
		}
		b.notifier.SendToConnection(tx.SenderConnectionID, protocol.ServerEvent{
			Event: protocol.EventGiftError,
			Payload: map[string]string{
				"transactionId": transactionID,
				"code":          code,
				"reason":        reason,
			},
		})
		return
	}
}

func (b *Buffer) observeDeadLetter(ctx context.Context) {
	length, err := b.rdb.LLen(ctx, KeyDeadLetter).Result()
	if err != nil {
		logging.Warn(ctx, "Could not sample dead-letter length", zap.Error(err))
		return
	}
	metrics.GiftDeadLetterLength.Set(float64(length))
}
