// Package seats owns the seat grid of a room. Every mutation is one Redis
// Lua script, so two instances acting on the same room cannot interleave
// half-applied seat state. The four keys per room (seat hash, locked set,
// user→seat reverse index, invite keys) only ever change together.
package seats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrSeatTaken         = errors.New("seat is taken")
	ErrSeatOccupied      = errors.New("seat is occupied")
	ErrSeatLocked        = errors.New("seat is locked")
	ErrSeatOutOfRange    = errors.New("seat index out of range")
	ErrAlreadySeated     = errors.New("user is already seated")
	ErrNotSeated         = errors.New("user is not seated")
	ErrSeatAlreadyLocked = errors.New("seat is already locked")
	ErrSeatNotLocked     = errors.New("seat is not locked")
	ErrInvitePending     = errors.New("an invite is already pending")
	ErrNoInvite          = errors.New("no matching invite")
)

// Seat is one slot of the room grid as reported to clients.
type Seat struct {
	Index  int    `json:"index"`
	UserID string `json:"userId,omitempty"`
	Muted  bool   `json:"muted"`
	Locked bool   `json:"locked"`
}

// seatRecord is the value stored per occupied index in the seat hash.
type seatRecord struct {
	UserID string `json:"userId"`
	Muted  bool   `json:"muted"`
}

// Invite is a pending seat invite.
type Invite struct {
	TargetUserID  string `json:"targetUserId"`
	InviterUserID string `json:"inviterUserId"`
	CreatedAtMs   int64  `json:"createdAtMs"`
}

var takeSeatScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[3], ARGV[2]) == 1 then return {'ALREADY_SEATED'} end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then return {'LOCKED'} end
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then return {'TAKEN'} end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[2], ARGV[1])
return {'OK'}
`)

var leaveSeatScript = redis.NewScript(`
local idx = redis.call('HGET', KEYS[2], ARGV[1])
if not idx then return {'NOT_SEATED'} end
redis.call('HDEL', KEYS[1], idx)
redis.call('HDEL', KEYS[2], ARGV[1])
return {'OK', idx}
`)

var assignSeatScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then return {'TAKEN'} end
local prior = redis.call('HGET', KEYS[3], ARGV[2])
if prior then redis.call('HDEL', KEYS[1], prior) end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[2], ARGV[1])
return {'OK', prior or ''}
`)

var setMuteScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then return {'NOT_SEATED'} end
local seat = cjson.decode(cur)
seat.muted = ARGV[2] == '1'
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(seat))
return {'OK', tostring(seat.userId)}
`)

var lockSeatScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then return {'ALREADY_LOCKED'} end
redis.call('SADD', KEYS[2], ARGV[1])
local kicked = ''
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  local seat = cjson.decode(cur)
  kicked = tostring(seat.userId)
  redis.call('HDEL', KEYS[1], ARGV[1])
  redis.call('HDEL', KEYS[3], kicked)
end
return {'OK', kicked}
`)

var unlockSeatScript = redis.NewScript(`
if redis.call('SREM', KEYS[1], ARGV[1]) == 0 then return {'NOT_LOCKED'} end
return {'OK'}
`)

var createInviteScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return {'PENDING'} end
local keys = redis.call('KEYS', ARGV[3])
for _, k in ipairs(keys) do
  local inv = redis.call('GET', k)
  if inv then
    local data = cjson.decode(inv)
    if tostring(data.targetUserId) == ARGV[4] then return {'PENDING'} end
  end
end
redis.call('SETEX', KEYS[1], tonumber(ARGV[1]), ARGV[2])
return {'OK'}
`)

// acceptInviteScript deletes the invite, unlocks the seat if needed, and
// seats the invitee in one step. An invited user bypasses the lock.
var acceptInviteScript = redis.NewScript(`
local inv = redis.call('GET', KEYS[1])
if not inv then return {'NO_INVITE'} end
local data = cjson.decode(inv)
if tostring(data.targetUserId) ~= ARGV[2] then return {'NO_INVITE'} end
if redis.call('HEXISTS', KEYS[4], ARGV[2]) == 1 then return {'ALREADY_SEATED'} end
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then return {'TAKEN'} end
redis.call('DEL', KEYS[1])
local wasLocked = redis.call('SREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[4], ARGV[2], ARGV[1])
return {'OK', wasLocked}
`)

var clearRoomScript = redis.NewScript(`
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
local keys = redis.call('KEYS', ARGV[1])
for _, k in ipairs(keys) do
  redis.call('DEL', k)
end
return {'OK'}
`)

var getSeatsScript = redis.NewScript(`
return {redis.call('HGETALL', KEYS[1]), redis.call('SMEMBERS', KEYS[2])}
`)

// Repository runs the seat scripts against Redis.
type Repository struct {
	rdb *redis.Client
}

func NewRepository(rdb *redis.Client) *Repository {
	return &Repository{rdb: rdb}
}

func seatsKey(roomID string) string    { return "seats:" + roomID }
func lockedKey(roomID string) string   { return "locked:" + roomID }
func userSeatKey(roomID string) string { return "userSeat:" + roomID }

func inviteKey(roomID string, index int) string {
	return fmt.Sprintf("invite:%s:%d", roomID, index)
}

func invitePattern(roomID string) string {
	return fmt.Sprintf("invite:%s:*", roomID)
}

// scriptReply splits the {code, extras...} array every script returns.
func scriptReply(res interface{}, err error) (string, []interface{}, error) {
	if err != nil {
		return "", nil, fmt.Errorf("seat script failed: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return "", nil, fmt.Errorf("unexpected seat script reply %T", res)
	}
	code, ok := arr[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("unexpected seat script code %T", arr[0])
	}
	return code, arr[1:], nil
}

func replyString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func replyInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unexpected seat script integer %T", v)
	}
}

func marshalSeat(userID string) string {
	buf, _ := json.Marshal(seatRecord{UserID: userID})
	return string(buf)
}

// TakeSeat seats a user on an empty, unlocked seat.
func (r *Repository) TakeSeat(ctx context.Context, roomID, userID string, index, seatCount int) error {
	if index < 0 || index >= seatCount {
		return ErrSeatOutOfRange
	}
	code, _, err := scriptReply(takeSeatScript.Run(ctx, r.rdb,
		[]string{seatsKey(roomID), lockedKey(roomID), userSeatKey(roomID)},
		index, userID, marshalSeat(userID)).Result())
	if err != nil {
		return err
	}
	switch code {
	case "OK":
		return nil
	case "ALREADY_SEATED":
		return ErrAlreadySeated
	case "LOCKED":
		return ErrSeatLocked
	case "TAKEN":
		return ErrSeatTaken
	default:
		return fmt.Errorf("unexpected takeSeat result %q", code)
	}
}

// LeaveSeat vacates whatever seat the user holds and reports its index.
func (r *Repository) LeaveSeat(ctx context.Context, roomID, userID string) (int, error) {
	code, rest, err := scriptReply(leaveSeatScript.Run(ctx, r.rdb,
		[]string{seatsKey(roomID), userSeatKey(roomID)}, userID).Result())
	if err != nil {
		return 0, err
	}
	if code == "NOT_SEATED" {
		return 0, ErrNotSeated
	}
	return replyInt(rest[0])
}

// AssignSeat force-seats a user, displacing any seat they previously held.
// Returns the displaced index, or -1 if the user was not seated before.
func (r *Repository) AssignSeat(ctx context.Context, roomID, userID string, index, seatCount int) (int, error) {
	if index < 0 || index >= seatCount {
		return -1, ErrSeatOutOfRange
	}
	code, rest, err := scriptReply(assignSeatScript.Run(ctx, r.rdb,
		[]string{seatsKey(roomID), lockedKey(roomID), userSeatKey(roomID)},
		index, userID, marshalSeat(userID)).Result())
	if err != nil {
		return -1, err
	}
	if code == "TAKEN" {
		return -1, ErrSeatOccupied
	}
	if prior := replyString(rest[0]); prior != "" {
		return strconv.Atoi(prior)
	}
	return -1, nil
}

// RemoveSeat vacates a user's seat on someone else's behalf. Same state
// transition as LeaveSeat; authorization is the caller's problem.
func (r *Repository) RemoveSeat(ctx context.Context, roomID, userID string) (int, error) {
	return r.LeaveSeat(ctx, roomID, userID)
}

// SetMute flips the muted bit of an occupied seat and reports its occupant.
func (r *Repository) SetMute(ctx context.Context, roomID string, index int, muted bool) (string, error) {
	flag := "0"
	if muted {
		flag = "1"
	}
	code, rest, err := scriptReply(setMuteScript.Run(ctx, r.rdb,
		[]string{seatsKey(roomID)}, index, flag).Result())
	if err != nil {
		return "", err
	}
	if code == "NOT_SEATED" {
		return "", ErrNotSeated
	}
	return replyString(rest[0]), nil
}

// LockSeat locks an index and vacates its occupant if any. Returns the
// kicked user's id, or "" when the seat was empty.
func (r *Repository) LockSeat(ctx context.Context, roomID string, index int) (string, error) {
	code, rest, err := scriptReply(lockSeatScript.Run(ctx, r.rdb,
		[]string{seatsKey(roomID), lockedKey(roomID), userSeatKey(roomID)},
		index).Result())
	if err != nil {
		return "", err
	}
	if code == "ALREADY_LOCKED" {
		return "", ErrSeatAlreadyLocked
	}
	return replyString(rest[0]), nil
}

func (r *Repository) UnlockSeat(ctx context.Context, roomID string, index int) error {
	code, _, err := scriptReply(unlockSeatScript.Run(ctx, r.rdb,
		[]string{lockedKey(roomID)}, index).Result())
	if err != nil {
		return err
	}
	if code == "NOT_LOCKED" {
		return ErrSeatNotLocked
	}
	return nil
}

// CreateInvite stores an invite for (room, index) unless that seat or that
// target already has one pending.
func (r *Repository) CreateInvite(ctx context.Context, roomID string, index int, targetUserID, inviterUserID string, ttl time.Duration) error {
	payload, _ := json.Marshal(Invite{
		TargetUserID:  targetUserID,
		InviterUserID: inviterUserID,
		CreatedAtMs:   time.Now().UnixMilli(),
	})
	code, _, err := scriptReply(createInviteScript.Run(ctx, r.rdb,
		[]string{inviteKey(roomID, index)},
		int(ttl.Seconds()), string(payload), invitePattern(roomID), targetUserID).Result())
	if err != nil {
		return err
	}
	if code == "PENDING" {
		return ErrInvitePending
	}
	return nil
}

// GetInvite reads the invite pending on an index.
func (r *Repository) GetInvite(ctx context.Context, roomID string, index int) (*Invite, error) {
	raw, err := r.rdb.Get(ctx, inviteKey(roomID, index)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoInvite
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read invite: %w", err)
	}
	var inv Invite
	if err := json.Unmarshal([]byte(raw), &inv); err != nil {
		return nil, fmt.Errorf("corrupt invite payload: %w", err)
	}
	return &inv, nil
}

// GetInviteByUser scans the room's invites for one targeting the user.
func (r *Repository) GetInviteByUser(ctx context.Context, roomID, targetUserID string) (int, *Invite, error) {
	keys, err := r.rdb.Keys(ctx, invitePattern(roomID)).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to scan invites: %w", err)
	}
	prefix := fmt.Sprintf("invite:%s:", roomID)
	for _, key := range keys {
		raw, err := r.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, nil, fmt.Errorf("failed to read invite: %w", err)
		}
		var inv Invite
		if err := json.Unmarshal([]byte(raw), &inv); err != nil {
			continue
		}
		if inv.TargetUserID == targetUserID {
			index, err := strconv.Atoi(key[len(prefix):])
			if err != nil {
				continue
			}
			return index, &inv, nil
		}
	}
	return 0, nil, ErrNoInvite
}

func (r *Repository) DeleteInvite(ctx context.Context, roomID string, index int) error {
	return r.rdb.Del(ctx, inviteKey(roomID, index)).Err()
}

// AcceptInvite atomically consumes the invite, unlocks the seat if it was
// locked, and seats the target user. Returns whether a lock was removed.
func (r *Repository) AcceptInvite(ctx context.Context, roomID string, index int, userID string) (bool, error) {
	code, rest, err := scriptReply(acceptInviteScript.Run(ctx, r.rdb,
		[]string{inviteKey(roomID, index), seatsKey(roomID), lockedKey(roomID), userSeatKey(roomID)},
		index, userID, marshalSeat(userID)).Result())
	if err != nil {
		return false, err
	}
	switch code {
	case "OK":
		n, err := replyInt(rest[0])
		return n == 1, err
	case "NO_INVITE":
		return false, ErrNoInvite
	case "ALREADY_SEATED":
		return false, ErrAlreadySeated
	case "TAKEN":
		return false, ErrSeatTaken
	default:
		return false, fmt.Errorf("unexpected acceptInvite result %q", code)
	}
}

// ClearRoom deletes every seat key of a room, invites included.
func (r *Repository) ClearRoom(ctx context.Context, roomID string) error {
	_, _, err := scriptReply(clearRoomScript.Run(ctx, r.rdb,
		[]string{seatsKey(roomID), lockedKey(roomID), userSeatKey(roomID)},
		invitePattern(roomID)).Result())
	return err
}

// GetSeats snapshots the grid in one round trip: occupied and locked seats
// sorted by index, plus the locked indices on their own for the join ack.
func (r *Repository) GetSeats(ctx context.Context, roomID string, seatCount int) ([]Seat, []int, error) {
	res, err := getSeatsScript.Run(ctx, r.rdb,
		[]string{seatsKey(roomID), lockedKey(roomID)}).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("seat script failed: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return nil, nil, fmt.Errorf("unexpected getSeats reply %T", res)
	}
	pairs, _ := arr[0].([]interface{})
	lockedRaw, _ := arr[1].([]interface{})

	lockedSet := make(map[int]struct{}, len(lockedRaw))
	locked := make([]int, 0, len(lockedRaw))
	for _, v := range lockedRaw {
		index, err := replyInt(v)
		if err != nil || index < 0 || index >= seatCount {
			continue
		}
		lockedSet[index] = struct{}{}
		locked = append(locked, index)
	}
	sort.Ints(locked)

	byIndex := make(map[int]Seat, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		index, err := replyInt(pairs[i])
		if err != nil || index < 0 || index >= seatCount {
			continue
		}
		var record seatRecord
		if err := json.Unmarshal([]byte(replyString(pairs[i+1])), &record); err != nil {
			continue
		}
		_, isLocked := lockedSet[index]
		byIndex[index] = Seat{Index: index, UserID: record.UserID, Muted: record.Muted, Locked: isLocked}
	}
	// Locked empty seats show up too, so clients can grey them out.
	for index := range lockedSet {
		if _, ok := byIndex[index]; !ok {
			byIndex[index] = Seat{Index: index, Locked: true}
		}
	}

	seats := make([]Seat, 0, len(byIndex))
	for _, seat := range byIndex {
		seats = append(seats, seat)
	}
	sort.Slice(seats, func(i, j int) bool { return seats[i].Index < seats[j].Index })
	return seats, locked, nil
}
