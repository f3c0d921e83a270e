package seats

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoom = "42"

func newTestRepository(t *testing.T) (*Repository, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRepository(rdb), rdb
}

func TestTakeSeat(t *testing.T) {
	repo, rdb := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.TakeSeat(ctx, testRoom, "1", 3, 15))

	// Seat hash and reverse index stay in step.
	assert.JSONEq(t, `{"userId":"1","muted":false}`,
		rdb.HGet(ctx, "seats:42", "3").Val())
	assert.Equal(t, "3", rdb.HGet(ctx, "userSeat:42", "1").Val())
}

func TestTakeSeat_Preconditions(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.TakeSeat(ctx, testRoom, "1", 3, 15))

	assert.ErrorIs(t, repo.TakeSeat(ctx, testRoom, "2", 3, 15), ErrSeatTaken)
	assert.ErrorIs(t, repo.TakeSeat(ctx, testRoom, "1", 4, 15), ErrAlreadySeated)

	_, err := repo.LockSeat(ctx, testRoom, 5)
	require.NoError(t, err)
	assert.ErrorIs(t, repo.TakeSeat(ctx, testRoom, "2", 5, 15), ErrSeatLocked)
}

func TestTakeSeat_IndexBoundaries(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	assert.NoError(t, repo.TakeSeat(ctx, testRoom, "1", 0, 15))
	assert.NoError(t, repo.TakeSeat(ctx, testRoom, "2", 14, 15))
	assert.ErrorIs(t, repo.TakeSeat(ctx, testRoom, "3", -1, 15), ErrSeatOutOfRange)
	assert.ErrorIs(t, repo.TakeSeat(ctx, testRoom, "3", 15, 15), ErrSeatOutOfRange)
}

func TestLeaveSeat_RestoresOriginalState(t *testing.T) {
	repo, rdb := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.TakeSeat(ctx, testRoom, "1", 3, 15))

	index, err := repo.LeaveSeat(ctx, testRoom, "1")
	require.NoError(t, err)
	assert.Equal(t, 3, index)

	assert.Empty(t, rdb.HGetAll(ctx, "seats:42").Val())
	assert.Empty(t, rdb.HGetAll(ctx, "userSeat:42").Val())

	_, err = repo.LeaveSeat(ctx, testRoom, "1")
	assert.ErrorIs(t, err, ErrNotSeated)
}

func TestAssignSeat_DisplacesPriorSeat(t *testing.T) {
	repo, rdb := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.TakeSeat(ctx, testRoom, "1", 2, 15))

	displaced, err := repo.AssignSeat(ctx, testRoom, "1", 5, 15)
	require.NoError(t, err)
	assert.Equal(t, 2, displaced)
	assert.Empty(t, rdb.HGet(ctx, "seats:42", "2").Val())
	assert.Equal(t, "5", rdb.HGet(ctx, "userSeat:42", "1").Val())

	// Fresh user, no displacement.
	displaced, err = repo.AssignSeat(ctx, testRoom, "2", 7, 15)
	require.NoError(t, err)
	assert.Equal(t, -1, displaced)

	_, err = repo.AssignSeat(ctx, testRoom, "3", 5, 15)
	assert.ErrorIs(t, err, ErrSeatOccupied)
}

func TestSetMute(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.TakeSeat(ctx, testRoom, "1", 3, 15))

	userID, err := repo.SetMute(ctx, testRoom, 3, true)
	require.NoError(t, err)
	assert.Equal(t, "1", userID)

	seatList, _, err := repo.GetSeats(ctx, testRoom, 15)
	require.NoError(t, err)
	require.Len(t, seatList, 1)
	assert.True(t, seatList[0].Muted)

	_, err = repo.SetMute(ctx, testRoom, 3, false)
	require.NoError(t, err)
	seatList, _, err = repo.GetSeats(ctx, testRoom, 15)
	require.NoError(t, err)
	assert.False(t, seatList[0].Muted)

	_, err = repo.SetMute(ctx, testRoom, 9, true)
	assert.ErrorIs(t, err, ErrNotSeated)
}

func TestLockSeat_KicksOccupant(t *testing.T) {
	repo, rdb := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.TakeSeat(ctx, testRoom, "1", 3, 15))

	kicked, err := repo.LockSeat(ctx, testRoom, 3)
	require.NoError(t, err)
	assert.Equal(t, "1", kicked)

	assert.Empty(t, rdb.HGet(ctx, "seats:42", "3").Val())
	assert.Empty(t, rdb.HGet(ctx, "userSeat:42", "1").Val())
	assert.True(t, rdb.SIsMember(ctx, "locked:42", "3").Val())

	_, err = repo.LockSeat(ctx, testRoom, 3)
	assert.ErrorIs(t, err, ErrSeatAlreadyLocked)
}

func TestLockUnlockRoundTrip(t *testing.T) {
	repo, rdb := newTestRepository(t)
	ctx := context.Background()

	kicked, err := repo.LockSeat(ctx, testRoom, 4)
	require.NoError(t, err)
	assert.Empty(t, kicked, "locking an empty seat kicks nobody")

	require.NoError(t, repo.UnlockSeat(ctx, testRoom, 4))
	assert.False(t, rdb.SIsMember(ctx, "locked:42", "4").Val())

	assert.ErrorIs(t, repo.UnlockSeat(ctx, testRoom, 4), ErrSeatNotLocked)
}

func TestCreateInvite(t *testing.T) {
	repo, rdb := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateInvite(ctx, testRoom, 5, "7", "1", 30*time.Second))

	ttl := rdb.TTL(ctx, "invite:42:5").Val()
	assert.Greater(t, ttl, time.Duration(0), "invites expire on their own")

	// Same seat, and same target on another seat, are both rejected.
	assert.ErrorIs(t, repo.CreateInvite(ctx, testRoom, 5, "8", "1", 30*time.Second), ErrInvitePending)
	assert.ErrorIs(t, repo.CreateInvite(ctx, testRoom, 6, "7", "1", 30*time.Second), ErrInvitePending)

	inv, err := repo.GetInvite(ctx, testRoom, 5)
	require.NoError(t, err)
	assert.Equal(t, "7", inv.TargetUserID)
	assert.Equal(t, "1", inv.InviterUserID)
	assert.NotZero(t, inv.CreatedAtMs)

	index, byUser, err := repo.GetInviteByUser(ctx, testRoom, "7")
	require.NoError(t, err)
	assert.Equal(t, 5, index)
	assert.Equal(t, "1", byUser.InviterUserID)

	_, _, err = repo.GetInviteByUser(ctx, testRoom, "99")
	assert.ErrorIs(t, err, ErrNoInvite)

	require.NoError(t, repo.DeleteInvite(ctx, testRoom, 5))
	_, err = repo.GetInvite(ctx, testRoom, 5)
	assert.ErrorIs(t, err, ErrNoInvite)
}

func TestAcceptInvite_BypassesLock(t *testing.T) {
	repo, rdb := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.LockSeat(ctx, testRoom, 5)
	require.NoError(t, err)
	require.NoError(t, repo.CreateInvite(ctx, testRoom, 5, "7", "1", 30*time.Second))

	wasLocked, err := repo.AcceptInvite(ctx, testRoom, 5, "7")
	require.NoError(t, err)
	assert.True(t, wasLocked)

	assert.False(t, rdb.SIsMember(ctx, "locked:42", "5").Val())
	assert.Equal(t, "5", rdb.HGet(ctx, "userSeat:42", "7").Val())
	assert.Zero(t, rdb.Exists(ctx, "invite:42:5").Val(), "invite is consumed")

	_, err = repo.AcceptInvite(ctx, testRoom, 5, "7")
	assert.ErrorIs(t, err, ErrNoInvite)
}

func TestAcceptInvite_Preconditions(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateInvite(ctx, testRoom, 5, "7", "1", 30*time.Second))

	// Only the invited user can accept.
	_, err := repo.AcceptInvite(ctx, testRoom, 5, "9")
	assert.ErrorIs(t, err, ErrNoInvite)

	// Somebody grabbed the seat before the invitee accepted.
	require.NoError(t, repo.TakeSeat(ctx, testRoom, "2", 5, 15))
	_, err = repo.AcceptInvite(ctx, testRoom, 5, "7")
	assert.ErrorIs(t, err, ErrSeatTaken)
}

func TestClearRoom(t *testing.T) {
	repo, rdb := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.TakeSeat(ctx, testRoom, "1", 0, 15))
	_, err := repo.LockSeat(ctx, testRoom, 2)
	require.NoError(t, err)
	require.NoError(t, repo.CreateInvite(ctx, testRoom, 5, "7", "1", 30*time.Second))

	require.NoError(t, repo.ClearRoom(ctx, testRoom))

	for _, key := range []string{"seats:42", "locked:42", "userSeat:42", "invite:42:5"} {
		assert.Zero(t, rdb.Exists(ctx, key).Val(), key)
	}
}

func TestGetSeats_Snapshot(t *testing.T) {
	repo, rdb := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.TakeSeat(ctx, testRoom, "1", 0, 15))
	require.NoError(t, repo.TakeSeat(ctx, testRoom, "2", 3, 15))
	_, err := repo.LockSeat(ctx, testRoom, 7)
	require.NoError(t, err)

	// Garbage outside the grid is ignored.
	require.NoError(t, rdb.HSet(ctx, "seats:42", "99", `{"userId":"x","muted":false}`).Err())

	seatList, locked, err := repo.GetSeats(ctx, testRoom, 15)
	require.NoError(t, err)

	require.Len(t, seatList, 3)
	assert.Equal(t, Seat{Index: 0, UserID: "1"}, seatList[0])
	assert.Equal(t, Seat{Index: 3, UserID: "2"}, seatList[1])
	assert.Equal(t, Seat{Index: 7, Locked: true}, seatList[2])
	assert.Equal(t, []int{7}, locked)
}

func TestGetSeats_EmptyRoom(t *testing.T) {
	repo, _ := newTestRepository(t)

	seatList, locked, err := repo.GetSeats(context.Background(), testRoom, 15)
	require.NoError(t, err)
	assert.Empty(t, seatList)
	assert.Empty(t, locked)
}
