// Package redisstore persists definitions and instances in Redis so several
// engine processes can share one set of instances.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kingrea/stageflow/internal/workflow"
	"github.com/kingrea/stageflow/internal/workflow/engine"
)

const defaultPrefix = "stageflow"

// Store is a Redis-backed engine.Store. Instance records are JSON values
// guarded by WATCH for compare-and-swap; definition versions come from INCR.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ engine.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix. Default is "stageflow".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithTTL sets how long terminal instances are retained. Zero keeps them
// forever, which is the default. Running instances never expire.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// New creates a store on an existing client.
//
//	store := redisstore.New(
//	    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	    redisstore.WithPrefix("ci"),
//	    redisstore.WithTTL(72*time.Hour),
//	)
func New(client redis.UniversalClient, opts ...Option) *Store {
	store := &Store{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// SaveDefinition stores def under the next version number for its ID.
func (s *Store) SaveDefinition(ctx context.Context, def workflow.WorkflowDefinition) (workflow.WorkflowDefinition, error) {
	if def.ID == "" {
		return workflow.WorkflowDefinition{}, errors.New("redisstore: definition id is required")
	}
	version, err := s.client.Incr(ctx, s.definitionSeqKey(def.ID)).Result()
	if err != nil {
		return workflow.WorkflowDefinition{}, fmt.Errorf("redis incr failed: %w", err)
	}
	stored := def.Clone()
	stored.Version = int(version)
	data, err := json.Marshal(stored)
	if err != nil {
		return workflow.WorkflowDefinition{}, fmt.Errorf("failed to marshal definition: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.definitionKey(def.ID, stored.Version), data, 0).Result()
	if err != nil {
		return workflow.WorkflowDefinition{}, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return workflow.WorkflowDefinition{}, fmt.Errorf("redisstore: definition %s@%d already exists", def.ID, stored.Version)
	}
	return stored, nil
}

// LoadDefinition reads one version of a definition. Version zero loads the
// latest.
func (s *Store) LoadDefinition(ctx context.Context, id string, version int) (workflow.WorkflowDefinition, error) {
	if version <= 0 {
		latest, err := s.client.Get(ctx, s.definitionSeqKey(id)).Int()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return workflow.WorkflowDefinition{}, fmt.Errorf("%w: definition %s", engine.ErrNotFound, id)
			}
			return workflow.WorkflowDefinition{}, fmt.Errorf("redis get failed: %w", err)
		}
		version = latest
	}
	data, err := s.client.Get(ctx, s.definitionKey(id, version)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return workflow.WorkflowDefinition{}, fmt.Errorf("%w: definition %s@%d", engine.ErrNotFound, id, version)
		}
		return workflow.WorkflowDefinition{}, fmt.Errorf("redis get failed: %w", err)
	}
	var def workflow.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return workflow.WorkflowDefinition{}, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	return def, nil
}

// LoadInstance reads an instance record.
func (s *Store) LoadInstance(ctx context.Context, id string) (engine.Instance, error) {
	data, err := s.client.Get(ctx, s.instanceKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return engine.Instance{}, fmt.Errorf("%w: instance %s", engine.ErrNotFound, id)
		}
		return engine.Instance{}, fmt.Errorf("redis get failed: %w", err)
	}
	return decodeInstance(data)
}

// SaveInstance writes inst when the stored version equals expectedVersion.
// The read and the write run in one WATCH transaction; a concurrent writer
// aborts it and the call reports engine.ErrVersionConflict.
func (s *Store) SaveInstance(ctx context.Context, inst engine.Instance, expectedVersion int64) error {
	if inst.ID == "" {
		return errors.New("redisstore: instance id is required")
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	key := s.instanceKey(inst.ID)
	ttl := time.Duration(0)
	if inst.Status.IsTerminal() {
		ttl = s.ttl
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if expectedVersion != 0 {
				return fmt.Errorf("%w: instance %q does not exist, expected version %d",
					engine.ErrVersionConflict, inst.ID, expectedVersion)
			}
		case err != nil:
			return fmt.Errorf("redis get failed: %w", err)
		default:
			stored, err := decodeInstance(current)
			if err != nil {
				return err
			}
			if stored.Version != expectedVersion {
				return fmt.Errorf("%w: instance %q is at version %d, expected %d",
					engine.ErrVersionConflict, inst.ID, stored.Version, expectedVersion)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			pipe.SAdd(ctx, s.indexKey(), inst.ID)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: instance %q changed during save", engine.ErrVersionConflict, inst.ID)
	}
	return err
}

// ListInstances returns every stored instance ID in lexical order. IDs whose
// records expired are pruned from the index.
func (s *Store) ListInstances(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, s.instanceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	live := make([]string, 0, len(ids))
	var expired []any
	for i, id := range ids {
		if exists[i].Val() > 0 {
			live = append(live, id)
		} else {
			expired = append(expired, id)
		}
	}
	if len(expired) > 0 {
		if err := s.client.SRem(ctx, s.indexKey(), expired...).Err(); err != nil {
			return nil, fmt.Errorf("redis srem failed: %w", err)
		}
	}
	sort.Strings(live)
	return live, nil
}

func decodeInstance(data []byte) (engine.Instance, error) {
	var inst engine.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return engine.Instance{}, fmt.Errorf("failed to unmarshal instance: %w", err)
	}
	return inst, nil
}

func (s *Store) instanceKey(id string) string {
	return s.prefix + ":instance:" + id
}

func (s *Store) indexKey() string {
	return s.prefix + ":instances"
}

func (s *Store) definitionKey(id string, version int) string {
	return s.prefix + ":definition:" + id + ":" + strconv.Itoa(version)
}

func (s *Store) definitionSeqKey(id string) string {
	return s.prefix + ":definition:" + id + ":seq"
}
