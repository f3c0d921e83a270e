package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flylive/msab/internal/v1/metrics"
)

// stateTTL bounds how long an abandoned room record can linger.
const stateTTL = 24 * time.Hour

// RoomState is the record persisted at room:state:{roomId}. seatCount is
// frozen by the first join; participantCount and lastActivityAtMs move on
// every join/leave and on gift traffic.
type RoomState struct {
	RoomID           string `json:"roomId"`
	Status           string `json:"status"`
	SeatCount        int    `json:"seatCount"`
	ParticipantCount int    `json:"participantCount"`
	CreatedAtMs      int64  `json:"createdAtMs"`
	LastActivityAtMs int64  `json:"lastActivityAtMs"`
	OwnerUserID      string `json:"ownerUserId,omitempty"`
}

func stateKey(roomID string) string { return "room:state:" + roomID }

// adjustParticipantScript moves participantCount and stamps activity in one
// step. A missing record (TTL lapse) is rebuilt with defaults rather than
// erroring, so a long-lived room cannot wedge its own bookkeeping.
// KEYS[1]=state key; ARGV: delta, nowMs, defaultSeatCount, roomId, ttlMs.
var adjustParticipantScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
local state
if raw then
  state = cjson.decode(raw)
else
  state = {roomId=ARGV[4], status='active', seatCount=tonumber(ARGV[3]),
           participantCount=0, createdAtMs=tonumber(ARGV[2])}
end
local count = (tonumber(state['participantCount']) or 0) + tonumber(ARGV[1])
if count < 0 then count = 0 end
state['participantCount'] = count
state['lastActivityAtMs'] = tonumber(ARGV[2])
redis.call('SET', KEYS[1], cjson.encode(state), 'PX', ARGV[5])
return count
`)

// setRoomMetaScript patches seatCount and/or owner without disturbing the
// counters. ARGV: seatCount (0 = leave as is), ownerUserId ('' = leave as
// is), ttlMs.
var setRoomMetaScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return redis.error_reply('state missing') end
local state = cjson.decode(raw)
if tonumber(ARGV[1]) > 0 then state['seatCount'] = tonumber(ARGV[1]) end
if ARGV[2] ~= '' then state['ownerUserId'] = ARGV[2] end
redis.call('SET', KEYS[1], cjson.encode(state), 'PX', ARGV[3])
return redis.status_reply('OK')
`)

// persistInitialState writes the room's state record if none exists yet.
// Returns true when this call created it.
func (reg *Registry) persistInitialState(ctx context.Context, roomID string) (bool, error) {
	now := time.Now().UnixMilli()
	state := RoomState{
		RoomID:           roomID,
		Status:           "active",
		SeatCount:        reg.cfg.DefaultSeatCount,
		CreatedAtMs:      now,
		LastActivityAtMs: now,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return false, err
	}
	created, err := reg.cfg.Redis.SetNX(ctx, stateKey(roomID), data, stateTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to persist room state: %w", err)
	}
	return created, nil
}

// GetState reads the room's state record. Returns (nil, nil) when the
// record does not exist.
func (reg *Registry) GetState(ctx context.Context, roomID string) (*RoomState, error) {
	raw, err := reg.cfg.Redis.Get(ctx, stateKey(roomID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state RoomState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("corrupt room state for %s: %w", roomID, err)
	}
	return &state, nil
}

func (reg *Registry) deleteState(ctx context.Context, roomID string) error {
	return reg.cfg.Redis.Del(ctx, stateKey(roomID)).Err()
}

// SetRoomMeta freezes the room's seatCount and/or records its owner. Zero
// seatCount and empty owner leave the stored field untouched, so the first
// join can set both while a later owner lookup caches just the owner.
func (reg *Registry) SetRoomMeta(ctx context.Context, roomID string, seatCount int, ownerUserID string) error {
	return setRoomMetaScript.Run(ctx, reg.cfg.Redis,
		[]string{stateKey(roomID)},
		seatCount, ownerUserID, stateTTL.Milliseconds(),
	).Err()
}

// AdjustParticipantCount moves the room's participant count by delta
// (clamped at zero) and stamps lastActivityAt. Returns the new count.
func (reg *Registry) AdjustParticipantCount(ctx context.Context, roomID string, delta int) (int, error) {
	count, err := adjustParticipantScript.Run(ctx, reg.cfg.Redis,
		[]string{stateKey(roomID)},
		delta, time.Now().UnixMilli(), reg.cfg.DefaultSeatCount, roomID, stateTTL.Milliseconds(),
	).Int()
	if err != nil {
		return 0, err
	}
	metrics.RoomParticipants.WithLabelValues(roomID).Set(float64(count))
	return count, nil
}

// TouchActivity stamps lastActivityAt without moving the participant count.
// Gift traffic keeps an otherwise quiet room out of the inactivity sweep.
func (reg *Registry) TouchActivity(ctx context.Context, roomID string) error {
	_, err := reg.AdjustParticipantCount(ctx, roomID, 0)
	return err
}
