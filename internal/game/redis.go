package game

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/spoilerguess/internal/apperr"
	"github.com/MrWong99/spoilerguess/internal/catalog"
	"github.com/MrWong99/spoilerguess/pkg/provider/llm"
)

// Key layout:
//
//	game:<id>      hash  state (JSON), questions_asked, guesses_count
//	messages:<id>  list  JSON messages in append order
//	lock:game:<id> string lock token
const (
	fieldState     = "state"
	fieldQuestions = "questions_asked"
	fieldGuesses   = "guesses_count"
)

func gameKey(id string) string     { return "game:" + id }
func messagesKey(id string) string { return "messages:" + id }
func lockKey(id string) string     { return "lock:game:" + id }

// appendScript pushes one message and refreshes both TTLs. It returns -1
// when the game does not exist, otherwise the new message's position.
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local n = redis.call('RPUSH', KEYS[2], ARGV[1])
if ARGV[3] == '1' then
  redis.call('HINCRBY', KEYS[1], 'questions_asked', 1)
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return n - 1
`)

// incrScript bumps one counter and refreshes both TTLs. It returns -1 when the
// game does not exist, otherwise the new counter value.
var incrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return n
`)

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// storedState is the immutable part of a game kept in the state field.
type storedState struct {
	ID           string            `json:"id"`
	Target       catalog.Character `json:"target"`
	SystemPrompt string            `json:"system_prompt"`
	Settings     Settings          `json:"settings"`
	CreatedAt    time.Time         `json:"created_at"`
}

// RedisStore implements Backend on Redis. All methods are safe for concurrent use.
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

var _ Backend = (*RedisStore)(nil)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets the idle lifetime of games. Non-positive values are ignored.
func WithTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithRedisClock sets the clock used for message timestamps.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore returns a RedisStore using rdb.
func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, ttl: DefaultTTL, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisStore) ttlMillis() string {
	return strconv.FormatInt(s.ttl.Milliseconds(), 10)
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, g Game, welcome string) error {
	const op = "game.Create"

	state, err := json.Marshal(storedState{
		ID:           g.ID,
		Target:       g.Target,
		SystemPrompt: g.SystemPrompt,
		Settings:     g.Settings,
		CreatedAt:    g.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("game: create: encode state: %w", err)
	}
	first, err := s.encodeMessage(Entry{Text: welcome})
	if err != nil {
		return err
	}

	gk, mk := gameKey(g.ID), messagesKey(g.ID)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, gk, mk)
		p.HSet(ctx, gk, fieldState, state, fieldQuestions, 0, fieldGuesses, 0)
		p.RPush(ctx, mk, first)
		p.PExpire(ctx, gk, s.ttl)
		p.PExpire(ctx, mk, s.ttl)
		return nil
	})
	if err != nil {
		return apperr.Unavailable(op, err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (Game, error) {
	const op = "game.Get"

	fields, err := s.rdb.HGetAll(ctx, gameKey(id)).Result()
	if err != nil {
		return Game{}, apperr.Unavailable(op, err)
	}
	raw, ok := fields[fieldState]
	if !ok {
		return Game{}, apperr.NotFound(op, id)
	}

	var st storedState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return Game{}, fmt.Errorf("game: get %q: decode state: %w", id, err)
	}
	g := Game{
		ID:           st.ID,
		Target:       st.Target,
		SystemPrompt: st.SystemPrompt,
		Settings:     st.Settings,
		CreatedAt:    st.CreatedAt,
	}
	g.QuestionsAsked, _ = strconv.Atoi(fields[fieldQuestions])
	g.GuessesCount, _ = strconv.Atoi(fields[fieldGuesses])
	return g, nil
}

// Exists implements Store.
func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, gameKey(id)).Result()
	if err != nil {
		return false, apperr.Unavailable("game.Exists", err)
	}
	return n == 1, nil
}

// IncrementQuestions implements Store.
func (s *RedisStore) IncrementQuestions(ctx context.Context, id string) (int, error) {
	return s.incr(ctx, "game.IncrementQuestions", id, fieldQuestions)
}

// IncrementGuesses implements Store.
func (s *RedisStore) IncrementGuesses(ctx context.Context, id string) (int, error) {
	return s.incr(ctx, "game.IncrementGuesses", id, fieldGuesses)
}

func (s *RedisStore) incr(ctx context.Context, op, id, field string) (int, error) {
	n, err := incrScript.Run(ctx, s.rdb, []string{gameKey(id), messagesKey(id)}, field, s.ttlMillis()).Int()
	if err != nil {
		return 0, apperr.Unavailable(op, err)
	}
	if n < 0 {
		return 0, apperr.NotFound(op, id)
	}
	return n, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, gameKey(id), messagesKey(id)).Err(); err != nil {
		return apperr.Unavailable("game.Delete", err)
	}
	return nil
}

// Append implements Ledger.
func (s *RedisStore) Append(ctx context.Context, id string, e Entry) (int, error) {
	const op = "game.Append"

	msg, err := s.encodeMessage(e)
	if err != nil {
		return 0, err
	}
	countQuestion := "0"
	if e.IsUser && e.AddToContext {
		countQuestion = "1"
	}

	n, err := appendScript.Run(ctx, s.rdb, []string{gameKey(id), messagesKey(id)}, msg, s.ttlMillis(), countQuestion).Int()
	if err != nil {
		return 0, apperr.Unavailable(op, err)
	}
	if n < 0 {
		return 0, apperr.NotFound(op, id)
	}
	return n, nil
}

// Messages implements Ledger. Sequence ids are list positions.
func (s *RedisStore) Messages(ctx context.Context, id string) ([]Message, error) {
	const op = "game.Messages"

	raws, err := s.rdb.LRange(ctx, messagesKey(id), 0, -1).Result()
	if err != nil {
		return nil, apperr.Unavailable(op, err)
	}
	if len(raws) == 0 {
		ok, err := s.Exists(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.NotFound(op, id)
		}
	}

	out := make([]Message, 0, len(raws))
	for i, raw := range raws {
		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("game: messages %q: decode entry %d: %w", id, i, err)
		}
		m.ID = i
		out = append(out, m)
	}
	return out, nil
}

// Memory implements Ledger.
func (s *RedisStore) Memory(ctx context.Context, id string) ([]llm.Message, error) {
	msgs, err := s.Messages(ctx, id)
	if err != nil {
		return nil, err
	}
	return memoryOf(msgs), nil
}

// Lock implements Locker with SET NX PX and a random token.
func (s *RedisStore) Lock(ctx context.Context, id string, ttl time.Duration) (func(), error) {
	token := ulid.Make().String()
	ok, err := s.rdb.SetNX(ctx, lockKey(id), token, ttl).Result()
	if err != nil {
		return nil, apperr.Unavailable("game.Lock", err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return func() {
		// Released with a fresh context so a cancelled request still unlocks.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, s.rdb, []string{lockKey(id)}, token).Err()
	}, nil
}

func (s *RedisStore) encodeMessage(e Entry) (string, error) {
	b, err := json.Marshal(Message{
		Text:         e.Text,
		IsUser:       e.IsUser,
		AddToContext: e.AddToContext,
		Timestamp:    s.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("game: encode message: %w", err)
	}
	return string(b), nil
}
