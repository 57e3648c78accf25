package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/spoilerguess/internal/apperr"
)

// maxTxRetries bounds optimistic-lock retries on a contended pointer.
const maxTxRetries = 5

func pointerKey(id string) string { return "session:" + id }

// RedisStore keeps pointers as JSON strings under session:<id>.
type RedisStore struct {
	rdb redis.UniversalClient
	opt options
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a RedisStore using rdb.
func NewRedisStore(rdb redis.UniversalClient, opts ...Option) *RedisStore {
	return &RedisStore{rdb: rdb, opt: buildOptions(opts)}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (Pointer, error) {
	raw, err := s.rdb.Get(ctx, pointerKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Pointer{}, ErrNotFound
	}
	if err != nil {
		return Pointer{}, apperr.Unavailable("session.Get", err)
	}
	var p Pointer
	if err := json.Unmarshal(raw, &p); err != nil {
		return Pointer{}, fmt.Errorf("session: decode %s: %w", id, err)
	}
	return p, nil
}

// Touch implements Store.
func (s *RedisStore) Touch(ctx context.Context, id string) (Pointer, error) {
	return s.update(ctx, "session.Touch", id, func(*Pointer) bool { return true })
}

// SetGame implements Store.
func (s *RedisStore) SetGame(ctx context.Context, id, gameID string) error {
	_, err := s.update(ctx, "session.SetGame", id, func(p *Pointer) bool {
		p.GameID = gameID
		return true
	})
	return err
}

// ClearGame implements Store.
func (s *RedisStore) ClearGame(ctx context.Context, id, gameID string) error {
	_, err := s.update(ctx, "session.ClearGame", id, func(p *Pointer) bool {
		if p.GameID != gameID {
			return false
		}
		p.GameID = ""
		return true
	})
	return err
}

// SetHorizon implements Store.
func (s *RedisStore) SetHorizon(ctx context.Context, id, horizon string) error {
	_, err := s.update(ctx, "session.SetHorizon", id, func(p *Pointer) bool {
		p.Horizon = horizon
		return true
	})
	return err
}

// update applies fn to the stored pointer (or a fresh one) under WATCH. When
// fn returns false nothing is written.
func (s *RedisStore) update(ctx context.Context, op, id string, fn func(*Pointer) bool) (Pointer, error) {
	key := pointerKey(id)
	var out Pointer

	txf := func(tx *redis.Tx) error {
		now := s.opt.now().UTC()
		p := fresh(id, now)
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("session: decode %s: %w", id, err)
			}
		}

		if !fn(&p) {
			out = p
			return nil
		}
		p.LastActivity = now
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("session: encode %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, s.opt.ttl)
			return nil
		})
		if err == nil {
			out = p
		}
		return err
	}

	for range maxTxRetries {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Pointer{}, apperr.Unavailable(op, err)
		}
		return out, nil
	}
	return Pointer{}, apperr.New(apperr.KindInvalidState, op, "session pointer is contended")
}
