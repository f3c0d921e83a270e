package gifts

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/flylive/msab/internal/v1/laravel"
	"github.com/flylive/msab/internal/v1/protocol"
)

// The flusher goroutine must never outlive its buffer.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeBackend struct {
	mu      sync.Mutex
	batches [][]laravel.GiftTransaction
	err     error
	result  *laravel.GiftBatchResult
}

func (f *fakeBackend) SendGiftBatch(_ context.Context, txs []laravel.GiftTransaction) (*laravel.GiftBatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, txs)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &laravel.GiftBatchResult{ProcessedCount: len(txs)}, nil
}

func (f *fakeBackend) snapshot() [][]laravel.GiftTransaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]laravel.GiftTransaction(nil), f.batches...)
}

type fakeSockets struct {
	mu   sync.Mutex
	sent map[string][]protocol.ServerEvent
}

func (f *fakeSockets) SendToConnection(connectionID string, event protocol.ServerEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string][]protocol.ServerEvent)
	}
	f.sent[connectionID] = append(f.sent[connectionID], event)
}

func (f *fakeSockets) eventsFor(connectionID string) []protocol.ServerEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ServerEvent(nil), f.sent[connectionID]...)
}

type giftFixture struct {
	buf     *Buffer
	mr      *miniredis.Miniredis
	backend *fakeBackend
	sockets *fakeSockets
}

func newTestBuffer(t *testing.T) *giftFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	backend := &fakeBackend{}
	sockets := &fakeSockets{}
	buf := NewBuffer(Options{
		Redis:    rdb,
		Backend:  backend,
		Notifier: sockets,
		// Tests drive Flush by hand.
		FlushInterval: time.Hour,
		MaxRetries:    3,
	})
	return &giftFixture{buf: buf, mr: mr, backend: backend, sockets: sockets}
}

func testTx(id, sender, conn string) laravel.GiftTransaction {
	return laravel.GiftTransaction{
		TransactionID:      id,
		RoomID:             "42",
		SenderUserID:       sender,
		RecipientUserID:    "2",
		GiftID:             "7",
		Quantity:           1,
		TimestampMs:        time.Now().UnixMilli(),
		SenderConnectionID: conn,
	}
}

func (f *giftFixture) pendingRetryCounts(t *testing.T) []int {
	t.Helper()
	raws, err := f.mr.List(KeyPending)
	require.NoError(t, err)
	counts := make([]int, 0, len(raws))
	for _, raw := range raws {
		var tx laravel.GiftTransaction
		require.NoError(t, json.Unmarshal([]byte(raw), &tx))
		counts = append(counts, tx.RetryCount)
	}
	return counts
}

func TestBuffer_FlushSettlesBatch(t *testing.T) {
	f := newTestBuffer(t)
	ctx := context.Background()

	require.NoError(t, f.buf.Enqueue(ctx, testTx("tx-1", "1", "c1")))
	require.NoError(t, f.buf.Enqueue(ctx, testTx("tx-2", "3", "c3")))

	f.buf.Flush(ctx)

	batches := f.backend.snapshot()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	assert.Equal(t, "tx-1", batches[0][0].TransactionID)
	assert.Equal(t, "tx-2", batches[0][1].TransactionID)

	assert.False(t, f.mr.Exists(KeyPending), "pending list consumed")
	for _, key := range f.mr.Keys() {
		assert.False(t, strings.HasPrefix(key, "gifts:processing:"), "processing key %s left behind", key)
	}
}

func TestBuffer_FlushWithNothingPendingSkipsBackend(t *testing.T) {
	f := newTestBuffer(t)

	f.buf.Flush(context.Background())

	assert.Empty(t, f.backend.snapshot())
}

func TestBuffer_RejectedEntriesNotifyTheirSender(t *testing.T) {
	f := newTestBuffer(t)
	ctx := context.Background()

	f.backend.result = &laravel.GiftBatchResult{
		ProcessedCount: 1,
		Failed: []laravel.GiftFailure{
			{TransactionID: "tx-2", Code: "INSUFFICIENT_FUNDS", Reason: "balance too low"},
		},
	}

	require.NoError(t, f.buf.Enqueue(ctx, testTx("tx-1", "1", "c1")))
	require.NoError(t, f.buf.Enqueue(ctx, testTx("tx-2", "3", "c3")))

	f.buf.Flush(ctx)

	assert.Empty(t, f.sockets.eventsFor("c1"))
	events := f.sockets.eventsFor("c3")
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventGiftError, events[0].Event)
	payload := events[0].Payload.(map[string]string)
	assert.Equal(t, "tx-2", payload["transactionId"])
	assert.Equal(t, "INSUFFICIENT_FUNDS", payload["code"])

	// Rejection is final: nothing is requeued for a retry.
	assert.False(t, f.mr.Exists(KeyPending))
}

func TestBuffer_BackendOutageRetriesThenDeadLetters(t *testing.T) {
	f := newTestBuffer(t)
	ctx := context.Background()

	f.backend.err = errors.New("backend returned 503")
	require.NoError(t, f.buf.Enqueue(ctx, testTx("T1", "1", "c1")))

	// Three failed flushes advance the retry count 1, 2, 3.
	for want := 1; want <= 3; want++ {
		f.buf.Flush(ctx)
		assert.Equal(t, []int{want}, f.pendingRetryCounts(t))
	}

	// The fourth failure exhausts the budget.
	f.buf.Flush(ctx)

	assert.False(t, f.mr.Exists(KeyPending), "nothing left to retry")

	dead, err := f.mr.List(KeyDeadLetter)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	var tx laravel.GiftTransaction
	require.NoError(t, json.Unmarshal([]byte(dead[0]), &tx))
	assert.Equal(t, "T1", tx.TransactionID)
	assert.Equal(t, 3, tx.RetryCount)

	events := f.sockets.eventsFor("c1")
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventGiftError, events[0].Event)
	payload := events[0].Payload.(map[string]string)
	assert.Equal(t, "T1", payload["transactionId"])
	assert.Equal(t, "PROCESSING_FAILED", payload["code"])

	assert.Len(t, f.backend.snapshot(), 4, "dead-lettered entries are not resubmitted")
}

func TestBuffer_CorruptEntriesGoStraightToDeadLetter(t *testing.T) {
	f := newTestBuffer(t)
	ctx := context.Background()

	f.mr.RPush(KeyPending, "{this is not json")
	require.NoError(t, f.buf.Enqueue(ctx, testTx("tx-1", "1", "c1")))

	f.buf.Flush(ctx)

	batches := f.backend.snapshot()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "tx-1", batches[0][0].TransactionID)

	dead, err := f.mr.List(KeyDeadLetter)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "{this is not json", dead[0])
}

func TestBuffer_StopRunsFinalFlush(t *testing.T) {
	f := newTestBuffer(t)
	ctx := context.Background()

	f.buf.Start()
	require.NoError(t, f.buf.Enqueue(ctx, testTx("tx-1", "1", "c1")))

	f.buf.Stop(ctx)

	batches := f.backend.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, "tx-1", batches[0][0].TransactionID)

	// Stop is idempotent.
	f.buf.Stop(ctx)
}
