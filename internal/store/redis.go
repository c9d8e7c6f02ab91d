package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/planningpoker/internal/domain"
	"github.com/victornm/planningpoker/internal/errors"
)

const maxWatchRetries = 8

var errIDTaken = stderrors.New("session id taken")

// Sets hash fields only when the hash exists.
var hsetIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

var hincrbyIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
return redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
`)

// KEYS: header, points. ARGV: point.
var addPoint = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local points = redis.call('LRANGE', KEYS[2], 0, -1)
for _, p in ipairs(points) do
	if p == ARGV[1] then
		return 0
	end
end
redis.call('RPUSH', KEYS[2], ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

// KEYS: header, roster, participant. ARGV: id, name, points, stars.
var createParticipant = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local existed = redis.call('EXISTS', KEYS[3])
redis.call('HSET', KEYS[3], 'name', ARGV[2], 'points', ARGV[3], 'stars', ARGV[4])
if existed == 0 then
	redis.call('LREM', KEYS[2], 0, ARGV[1])
	redis.call('RPUSH', KEYS[2], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[2], ttl)
	redis.call('PEXPIRE', KEYS[3], ttl)
end
return 1
`)

type RedisConfig struct {
	Redis  redis.UniversalClient
	Prefix string
	// TTL applied to every session-scoped key, counted from session creation. Zero disables expiry.
	TTL   time.Duration
	NewID func() string
}

// RedisStore keeps one hash per session (<prefix>:<sid>), a list of
// participant ids (<prefix>:<sid>:participants), one hash per participant
// (<prefix>:<sid>:participants:<pid>) and a list of point options
// (<prefix>:<sid>:points).
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
	newID  func() string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(c RedisConfig) *RedisStore {
	if c.NewID == nil {
		c.NewID = NewSessionID
	}

	return &RedisStore{
		redis:  c.Redis,
		prefix: c.Prefix,
		ttl:    c.TTL,
		newID:  c.NewID,
	}
}

func (s *RedisStore) CreateSession(ctx context.Context, title string, points []string) (string, error) {
	header := EncodeHeader(title, domain.StateHidden)

	for range maxCreateAttempts {
		id := s.newID()
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, s.sessionKey(id)).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return errIDTaken
			}

			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.HSet(ctx, s.sessionKey(id), header)
				if len(points) > 0 {
					p.RPush(ctx, s.pointsKey(id), toArgs(points)...)
				}
				if s.ttl > 0 {
					p.Expire(ctx, s.sessionKey(id), s.ttl)
					p.Expire(ctx, s.pointsKey(id), s.ttl)
				}
				return nil
			})
			return err
		}, s.sessionKey(id))

		switch {
		case err == nil:
			return id, nil
		case stderrors.Is(err, errIDTaken), stderrors.Is(err, redis.TxFailedErr):
			continue
		default:
			return "", errors.StoreUnavailable(fmt.Errorf("create session: %w", err))
		}
	}

	return "", errors.Internal(fmt.Errorf("create session: no free id after %d attempts", maxCreateAttempts))
}

func (s *RedisStore) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	if aliased(sessionID) {
		return false, nil
	}

	n, err := s.redis.Exists(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return false, errors.StoreUnavailable(fmt.Errorf("session exists: %w", err))
	}

	return n > 0, nil
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var (
		header *redis.MapStringStringCmd
		points *redis.StringSliceCmd
		roster *redis.StringSliceCmd
	)

	if aliased(sessionID) {
		return nil, errors.SessionNotFound(sessionID)
	}

	_, err := s.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		header = p.HGetAll(ctx, s.sessionKey(sessionID))
		points = p.LRange(ctx, s.pointsKey(sessionID), 0, -1)
		roster = p.LRange(ctx, s.rosterKey(sessionID), 0, -1)
		return nil
	})
	if err != nil {
		return nil, errors.StoreUnavailable(fmt.Errorf("get session: %w", err))
	}

	if len(header.Val()) == 0 {
		return nil, errors.SessionNotFound(sessionID)
	}

	r := Records{
		Header:       header.Val(),
		Roster:       roster.Val(),
		Points:       points.Val(),
		Participants: make(map[string]map[string]string, len(roster.Val())),
	}

	if len(r.Roster) > 0 {
		cmds := make(map[string]*redis.MapStringStringCmd, len(r.Roster))
		_, err = s.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
			for _, id := range r.Roster {
				cmds[id] = p.HGetAll(ctx, s.participantKey(sessionID, id))
			}
			return nil
		})
		if err != nil {
			return nil, errors.StoreUnavailable(fmt.Errorf("get participants: %w", err))
		}

		for id, cmd := range cmds {
			r.Participants[id] = cmd.Val()
		}
	}

	ss, err := DecodeRecords(r)
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("decode session %s: %w", sessionID, err))
	}

	return &ss, nil
}

func (s *RedisStore) GetSessionState(ctx context.Context, sessionID string) (domain.State, error) {
	if aliased(sessionID) {
		return 0, errors.SessionNotFound(sessionID)
	}

	v, err := s.redis.HGet(ctx, s.sessionKey(sessionID), FieldState).Result()
	if stderrors.Is(err, redis.Nil) {
		return 0, errors.SessionNotFound(sessionID)
	}
	if err != nil {
		return 0, errors.StoreUnavailable(fmt.Errorf("get session state: %w", err))
	}

	st, err := domain.ParseState(v)
	if err != nil {
		return 0, errors.Internal(err)
	}

	return st, nil
}

func (s *RedisStore) ParticipantExists(ctx context.Context, sessionID, participantID string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.participantKey(sessionID, participantID)).Result()
	if err != nil {
		return false, errors.StoreUnavailable(fmt.Errorf("participant exists: %w", err))
	}

	return n > 0, nil
}

func (s *RedisStore) CreateParticipant(ctx context.Context, sessionID string, p domain.Participant) error {
	keys := []string{s.sessionKey(sessionID), s.rosterKey(sessionID), s.participantKey(sessionID, p.ID)}
	err := createParticipant.Run(ctx, s.redis, keys, p.ID, p.Name, p.Points, strconv.Itoa(p.Stars)).Err()

	return s.wrap("create participant", err)
}

func (s *RedisStore) DeleteParticipant(ctx context.Context, sessionID, participantID string) error {
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, s.rosterKey(sessionID), 0, participantID)
		p.Del(ctx, s.participantKey(sessionID, participantID))
		return nil
	})

	return s.wrap("delete participant", err)
}

func (s *RedisStore) MigrateParticipantID(ctx context.Context, sessionID, oldID, newID string) error {
	oldKey, newKey, roster := s.participantKey(sessionID, oldID), s.participantKey(sessionID, newID), s.rosterKey(sessionID)

	migrate := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, s.sessionKey(sessionID)).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.SessionNotFound(sessionID)
		}

		n, err = tx.Exists(ctx, oldKey).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.ParticipantNotFound(sessionID, oldID)
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, roster, 0, newID)
			p.LInsertBefore(ctx, roster, oldID, newID)
			p.LRem(ctx, roster, 0, oldID)
			p.Rename(ctx, oldKey, newKey)
			return nil
		})
		return err
	}

	for range maxWatchRetries {
		err := s.redis.Watch(ctx, migrate, s.sessionKey(sessionID), roster, oldKey)
		if stderrors.Is(err, redis.TxFailedErr) {
			continue
		}
		return s.wrap("migrate participant", err)
	}

	return errors.Internal(fmt.Errorf("migrate participant: too much contention on session %s", sessionID))
}

func (s *RedisStore) UpdateParticipantName(ctx context.Context, sessionID, participantID, name string) error {
	err := hsetIfExists.Run(ctx, s.redis, []string{s.participantKey(sessionID, participantID)}, FieldName, name).Err()

	return s.wrap("update participant name", err)
}

func (s *RedisStore) UpdateParticipantPoints(ctx context.Context, sessionID, participantID, points string) error {
	err := hsetIfExists.Run(ctx, s.redis, []string{s.participantKey(sessionID, participantID)}, FieldPoints, points).Err()

	return s.wrap("update participant points", err)
}

func (s *RedisStore) IncrementParticipantStars(ctx context.Context, sessionID, participantID string, n int) error {
	err := hincrbyIfExists.Run(ctx, s.redis, []string{s.participantKey(sessionID, participantID)}, FieldStars, n).Err()

	return s.wrap("increment participant stars", err)
}

func (s *RedisStore) ClearAllParticipantPoints(ctx context.Context, sessionID string) error {
	ids, err := s.redis.LRange(ctx, s.rosterKey(sessionID), 0, -1).Result()
	if err != nil {
		return s.wrap("clear participant points", err)
	}
	if len(ids) == 0 {
		return nil
	}

	_, err = s.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range ids {
			hsetIfExists.Eval(ctx, p, []string{s.participantKey(sessionID, id)}, FieldPoints, "")
		}
		return nil
	})

	return s.wrap("clear participant points", err)
}

func (s *RedisStore) UpdateSessionState(ctx context.Context, sessionID string, state domain.State) error {
	err := hsetIfExists.Run(ctx, s.redis, []string{s.sessionKey(sessionID)}, FieldState, state.String()).Err()

	return s.wrap("update session state", err)
}

func (s *RedisStore) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	err := hsetIfExists.Run(ctx, s.redis, []string{s.sessionKey(sessionID)}, FieldTitle, title).Err()

	return s.wrap("update session title", err)
}

func (s *RedisStore) AddPoint(ctx context.Context, sessionID, point string) error {
	err := addPoint.Run(ctx, s.redis, []string{s.sessionKey(sessionID), s.pointsKey(sessionID)}, point).Err()

	return s.wrap("add point", err)
}

func (s *RedisStore) RemovePoint(ctx context.Context, sessionID, point string) error {
	err := s.redis.LRem(ctx, s.pointsKey(sessionID), 0, point).Err()

	return s.wrap("remove point", err)
}

// Close does not close the underlying client, it may be shared.
func (s *RedisStore) Close() error {
	return nil
}

func (s *RedisStore) wrap(op string, err error) error {
	if err == nil || stderrors.Is(err, redis.Nil) {
		return nil
	}

	var e *errors.Error
	if stderrors.As(err, &e) {
		return err
	}

	return errors.StoreUnavailable(fmt.Errorf("%s: %w", op, err))
}

// aliased reports whether sessionID would name one of another session's keys,
// such as <sid>:points.
func aliased(sessionID string) bool {
	return strings.Contains(sessionID, ":")
}

func (s *RedisStore) sessionKey(sessionID string) string {
	if s.prefix == "" {
		return sessionID
	}
	return fmt.Sprintf("%s:%s", s.prefix, sessionID)
}

func (s *RedisStore) rosterKey(sessionID string) string {
	return s.sessionKey(sessionID) + ":participants"
}

func (s *RedisStore) participantKey(sessionID, participantID string) string {
	return s.sessionKey(sessionID) + ":participants:" + participantID
}

func (s *RedisStore) pointsKey(sessionID string) string {
	return s.sessionKey(sessionID) + ":points"
}

func toArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}
