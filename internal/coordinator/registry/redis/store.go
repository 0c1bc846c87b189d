// Package redis provides a Redis-backed implementation of registry.Store.
//
// Each saga is stored as a JSON document under "<prefix>:app:<application id>"
// and a second key "<prefix>:restore:<restore id>" points back at the
// application. Reserve relies on SETNX, so two replicas of the service can
// never both accept a restore for the same application.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/seadogger/backup-manager/internal/coordinator/registry"
)

const (
	kindApp     = "app"
	kindRestore = "restore"
)

// Ensure Store implements the port at compile time.
var _ registry.Store = (*Store)(nil)

// Store is the Redis implementation of registry.Store.
type Store struct {
	client *goredis.Client
	prefix string
}

// NewStore connects to the Redis server at addr. Keys are namespaced with
// prefix so several deployments can share one server.
func NewStore(addr, prefix string) *Store {
	return &Store{
		client: goredis.NewClient(&goredis.Options{Addr: addr}),
		prefix: prefix,
	}
}

// Ping checks connectivity. Call it once on startup.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close releases the client's connections.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, kind, id)
}

func (s *Store) Reserve(ctx context.Context, saga *registry.RestoreSaga) error {
	data, err := json.Marshal(saga)
	if err != nil {
		return fmt.Errorf("redis: encode saga %q: %w", saga.SagaID, err)
	}

	ok, err := s.client.SetNX(ctx, s.key(kindApp, saga.ApplicationID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis: reserve %q: %w", saga.ApplicationID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %q", registry.ErrApplicationBusy, saga.ApplicationID)
	}

	if saga.RestoreID != "" {
		if err := s.client.Set(ctx, s.key(kindRestore, saga.RestoreID), saga.ApplicationID, 0).Err(); err != nil {
			return fmt.Errorf("redis: index restore %q: %w", saga.RestoreID, err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, restoreID string) (*registry.RestoreSaga, error) {
	appID, err := s.client.Get(ctx, s.key(kindRestore, restoreID)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: restore %q", registry.ErrNotFound, restoreID)
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get restore %q: %w", restoreID, err)
	}

	saga, err := s.GetByApplication(ctx, appID)
	if err != nil {
		return nil, err
	}
	if saga.RestoreID != restoreID {
		// Stale index left behind by an interrupted Delete.
		return nil, fmt.Errorf("%w: restore %q", registry.ErrNotFound, restoreID)
	}
	return saga, nil
}

func (s *Store) GetByApplication(ctx context.Context, applicationID string) (*registry.RestoreSaga, error) {
	raw, err := s.client.Get(ctx, s.key(kindApp, applicationID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: application %q", registry.ErrNotFound, applicationID)
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get application %q: %w", applicationID, err)
	}
	return decode(raw)
}

func (s *Store) Put(ctx context.Context, saga *registry.RestoreSaga) error {
	return s.put(ctx, saga, false)
}

func (s *Store) CompareAndPut(ctx context.Context, saga *registry.RestoreSaga) error {
	return s.put(ctx, saga, true)
}

func (s *Store) put(ctx context.Context, saga *registry.RestoreSaga, compare bool) error {
	appKey := s.key(kindApp, saga.ApplicationID)
	next := saga.Clone()

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := s.checkOwner(ctx, tx, appKey, saga)
		if err != nil {
			return err
		}
		if compare && current.Revision != saga.Revision {
			return fmt.Errorf("%w: saga %q is at revision %d, not %d", registry.ErrConflict, saga.SagaID, current.Revision, saga.Revision)
		}
		next.Revision = current.Revision + 1
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("redis: encode saga %q: %w", saga.SagaID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, appKey, data, 0)
			if saga.RestoreID != "" {
				pipe.Set(ctx, s.key(kindRestore, saga.RestoreID), saga.ApplicationID, 0)
			}
			return nil
		})
		if errors.Is(err, goredis.TxFailedErr) {
			return fmt.Errorf("%w: saga %q written during update", registry.ErrConflict, saga.SagaID)
		}
		if err != nil {
			return fmt.Errorf("redis: put saga %q: %w", saga.SagaID, err)
		}
		return nil
	}, appKey)
	if err != nil {
		return err
	}
	saga.Revision = next.Revision
	return nil
}

func (s *Store) Delete(ctx context.Context, saga *registry.RestoreSaga) error {
	appKey := s.key(kindApp, saga.ApplicationID)

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		_, ownErr := s.checkOwner(ctx, tx, appKey, saga)
		if ownErr != nil && !errors.Is(ownErr, registry.ErrNotFound) {
			return ownErr
		}
		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if ownErr == nil {
				pipe.Del(ctx, appKey)
			}
			if saga.RestoreID != "" {
				pipe.Del(ctx, s.key(kindRestore, saga.RestoreID))
			}
			return nil
		})
		return err
	}, appKey)
	if err != nil {
		return fmt.Errorf("redis: delete saga %q: %w", saga.SagaID, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*registry.RestoreSaga, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.key(kindApp, "*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: scan sagas: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load sagas: %w", err)
	}

	out := make([]*registry.RestoreSaga, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Deleted between SCAN and MGET.
			continue
		}
		saga, err := decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, saga)
	}
	return out, nil
}

// checkOwner returns the saga stored at appKey and fails unless it is the
// saga with saga.SagaID.
func (s *Store) checkOwner(ctx context.Context, tx *goredis.Tx, appKey string, saga *registry.RestoreSaga) (*registry.RestoreSaga, error) {
	raw, err := tx.Get(ctx, appKey).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: application %q", registry.ErrNotFound, saga.ApplicationID)
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get application %q: %w", saga.ApplicationID, err)
	}
	current, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if current.SagaID != saga.SagaID {
		return nil, fmt.Errorf("%w: application %q has no reservation for saga %q", registry.ErrNotFound, saga.ApplicationID, saga.SagaID)
	}
	return current, nil
}

func decode(raw []byte) (*registry.RestoreSaga, error) {
	var saga registry.RestoreSaga
	if err := json.Unmarshal(raw, &saga); err != nil {
		return nil, fmt.Errorf("redis: decode saga: %w", err)
	}
	return &saga, nil
}
