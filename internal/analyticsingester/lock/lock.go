package lock

import (
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/codeloom/loom/internal/analyticsingester/model"
)

// Manager hands out named TTL-bounded locks held in redis. A lock serializes a
// pipeline across all running ingester instances. Acquisition is a single
// set-if-absent; there is no blocking, retrying or renewal. If a run outlives the
// TTL another instance may acquire the key before the first run finishes - the
// cursor upsert is written to tolerate that (see the state package), but
// concurrent execution itself is accepted.
type Manager struct {
	db redis.UniversalClient
}

func NewManager(db redis.UniversalClient) *Manager {
	return &Manager{db: db}
}

// Acquire attempts to take the named lock. It returns nil (with no error) when
// the key is already held by another instance; callers skip the tick in that case.
func (m *Manager) Acquire(key string, ttl time.Duration) (*model.Lock, error) {
	token := uuid.New().String()
	ok, err := m.db.SetNX(key, token, ttl).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "error acquiring lock %s", key)
	}
	if !ok {
		return nil, nil
	}
	return &model.Lock{Key: key, Token: token}, nil
}

// Release deletes the lock key, but only while its stored value still equals the
// token handed out by Acquire. A mismatch means the TTL expired and the key was
// reassigned to another instance; releasing it then would steal that instance's
// lock, so the delete is skipped and the key is left to expire on its own.
// Lost-ownership outcomes are logged, not returned as errors.
func (m *Manager) Release(lock *model.Lock) error {
	if lock == nil {
		return nil
	}
	err := m.db.Watch(func(tx *redis.Tx) error {
		current, err := tx.Get(lock.Key).Result()
		if err == redis.Nil {
			log.WithField("key", lock.Key).Warn("Lock already expired at release")
			return nil
		}
		if err != nil {
			return err
		}
		if current != lock.Token {
			log.WithField("key", lock.Key).Warn("Lock token mismatch at release; key was reassigned")
			return nil
		}
		_, err = tx.TxPipelined(func(pipe redis.Pipeliner) error {
			pipe.Del(lock.Key)
			return nil
		})
		return err
	}, lock.Key)
	if err == redis.TxFailedErr {
		log.WithField("key", lock.Key).Warn("Lock changed during release; leaving it to expire")
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "error releasing lock %s", lock.Key)
	}
	return nil
}
