package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mappings outlive any single connection but not a day of inactivity.
const userKeyTTL = 24 * time.Hour

var unregisterSocketScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
if redis.call('SCARD', KEYS[1]) == 0 then redis.call('DEL', KEYS[1]) end
return redis.status_reply('OK')
`)

// UserSocketRegistry maps users to their live socket ids across every
// instance, plus the room each user is currently in. Targeted emits
// (invites, gift errors, relayed balance updates) resolve through it.
type UserSocketRegistry struct {
	rdb *redis.Client
}

func NewUserSocketRegistry(rdb *redis.Client) *UserSocketRegistry {
	return &UserSocketRegistry{rdb: rdb}
}

func socketsKey(userID string) string  { return "user:" + userID + ":sockets" }
func userRoomKey(userID string) string { return "user:" + userID + ":room" }

// RegisterSocket adds a socket to the user's set and refreshes its TTL.
func (r *UserSocketRegistry) RegisterSocket(ctx context.Context, userID, socketID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, socketsKey(userID), socketID)
		pipe.Expire(ctx, socketsKey(userID), userKeyTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register socket: %w", err)
	}
	return nil
}

// UnregisterSocket removes a socket and deletes the set once it empties.
func (r *UserSocketRegistry) UnregisterSocket(ctx context.Context, userID, socketID string) error {
	if err := unregisterSocketScript.Run(ctx, r.rdb,
		[]string{socketsKey(userID)}, socketID).Err(); err != nil {
		return fmt.Errorf("failed to unregister socket: %w", err)
	}
	return nil
}

// SocketsFor lists the user's live socket ids across all instances.
func (r *UserSocketRegistry) SocketsFor(ctx context.Context, userID string) ([]string, error) {
	sockets, err := r.rdb.SMembers(ctx, socketsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sockets: %w", err)
	}
	return sockets, nil
}

// SetUserRoom records which room the user is in.
func (r *UserSocketRegistry) SetUserRoom(ctx context.Context, userID, roomID string) error {
	if err := r.rdb.SetEx(ctx, userRoomKey(userID), roomID, userKeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set user room: %w", err)
	}
	return nil
}

// GetUserRoom returns the user's current room, or "" if none is recorded.
func (r *UserSocketRegistry) GetUserRoom(ctx context.Context, userID string) (string, error) {
	roomID, err := r.rdb.Get(ctx, userRoomKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get user room: %w", err)
	}
	return roomID, nil
}

// ClearUserRoom forgets the user's room.
func (r *UserSocketRegistry) ClearUserRoom(ctx context.Context, userID string) error {
	if err := r.rdb.Del(ctx, userRoomKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear user room: %w", err)
	}
	return nil
}
