package handlers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flylive/msab/internal/v1/protocol"
)

func TestMux_GiftSendValidatesAndEnqueues(t *testing.T) {
	f := newTestMux(t)
	alice := f.connect(t, "alice", "Alice")

	valid := map[string]any{"recipientId": "bob", "giftId": "rose", "quantity": 3}
	ack := f.send(t, alice, protocol.EventGiftSend, valid)
	require.False(t, ack.Success)
	assert.Equal(t, protocol.ErrNotInRoom, ack.Error)

	f.join(t, alice, "42")

	for name, payload := range map[string]any{
		"missing recipient": map[string]any{"giftId": "rose", "quantity": 1},
		"missing gift":      map[string]any{"recipientId": "bob", "quantity": 1},
		"zero quantity":     map[string]any{"recipientId": "bob", "giftId": "rose", "quantity": 0},
		"absurd quantity":   map[string]any{"recipientId": "bob", "giftId": "rose", "quantity": 10000},
	} {
		ack = f.send(t, alice, protocol.EventGiftSend, payload)
		assert.False(t, ack.Success, name)
		assert.Equal(t, protocol.ErrInvalidPayload, ack.Error, name)
	}

	ack = f.send(t, alice, protocol.EventGiftSend, map[string]any{
		"recipientId": "alice", "giftId": "rose", "quantity": 1,
	})
	require.False(t, ack.Success)
	assert.Equal(t, protocol.ErrCannotGiftSelf, ack.Error)
	assert.Empty(t, f.gifts.enqueued())

	ack = f.send(t, alice, protocol.EventGiftSend, valid)
	require.True(t, ack.Success)
	txID := ack.Data.(map[string]any)["transactionId"].(string)
	require.NotEmpty(t, txID)

	txs := f.gifts.enqueued()
	require.Len(t, txs, 1)
	tx := txs[0]
	assert.Equal(t, txID, tx.TransactionID, "ack names the buffered transaction")
	assert.Equal(t, "42", tx.RoomID)
	assert.Equal(t, "alice", tx.SenderUserID)
	assert.Equal(t, "bob", tx.RecipientUserID)
	assert.Equal(t, "rose", tx.GiftID)
	assert.Equal(t, 3, tx.Quantity)
	assert.Equal(t, alice.id, tx.SenderConnectionID)
	assert.Positive(t, tx.TimestampMs)

	received := f.emitter.eventsNamed(protocol.EventGiftReceived)
	require.Len(t, received, 1)
	payload := received[0].event.Payload.(map[string]any)
	assert.Equal(t, map[string]any{
		"transactionId": txID,
		"roomId":        "42",
		"senderId":      "alice",
		"senderName":    "Alice",
		"senderAvatar":  "",
		"recipientId":   "bob",
		"giftId":        "rose",
		"quantity":      3,
		"timestampMs":   tx.TimestampMs,
	}, payload, "broadcast carries validated fields only")
}

func TestMux_GiftSendRateLimited(t *testing.T) {
	f := newTestMux(t)
	alice := f.connect(t, "alice", "Alice")
	f.join(t, alice, "42")
	f.limiter.allow = false

	ack := f.send(t, alice, protocol.EventGiftSend, map[string]any{
		"recipientId": "bob", "giftId": "rose", "quantity": 1,
	})
	require.False(t, ack.Success)
	assert.Equal(t, protocol.ErrRateLimited, ack.Error)
	assert.Empty(t, f.gifts.enqueued())
	assert.Empty(t, f.emitter.eventsNamed(protocol.EventGiftReceived))
}

func TestMux_GiftSendBufferFailure(t *testing.T) {
	f := newTestMux(t)
	alice := f.connect(t, "alice", "Alice")
	f.join(t, alice, "42")
	f.gifts.fail = errors.New("buffer full")

	ack := f.send(t, alice, protocol.EventGiftSend, map[string]any{
		"recipientId": "bob", "giftId": "rose", "quantity": 1,
	})
	require.False(t, ack.Success)
	assert.Equal(t, protocol.ErrInternal, ack.Error)
	assert.Empty(t, f.emitter.eventsNamed(protocol.EventGiftReceived), "no broadcast for an unbuffered gift")
}

func TestMux_GiftPrepareTargetsRecipientSockets(t *testing.T) {
	f := newTestMux(t)
	alice := f.connect(t, "alice", "Alice")
	bob := f.connect(t, "bob", "Bob")

	ack := f.send(t, alice, protocol.EventGiftPrepare, map[string]any{
		"recipientId": "bob", "giftId": "rose",
	})
	require.False(t, ack.Success)
	assert.Equal(t, protocol.ErrNotInRoom, ack.Error)

	f.join(t, alice, "42")

	// The recipient gets the hint even without being in any room.
	ack = f.send(t, alice, protocol.EventGiftPrepare, map[string]any{
		"recipientId": "bob", "giftId": "rose",
	})
	require.True(t, ack.Success)

	targeted := f.emitter.targetedSends()
	require.Len(t, targeted, 1)
	assert.Equal(t, []string{bob.id}, targeted[0].socketIDs)
	assert.Equal(t, protocol.EventGiftPrep, targeted[0].event.Event)
	assert.Equal(t, map[string]any{"giftId": "rose", "senderId": "alice"}, targeted[0].event.Payload)

	// An offline recipient is not an error; the hint just goes nowhere.
	ack = f.send(t, alice, protocol.EventGiftPrepare, map[string]any{
		"recipientId": "nobody", "giftId": "rose",
	})
	require.True(t, ack.Success)
	assert.Len(t, f.emitter.targetedSends(), 1)
}
