// Package session keeps the in-progress step of a multi-message wizard.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Wizard kinds.
const (
	KindFunding       = "funding"
	KindUploadNumbers = "upload_numbers"
	KindBroadcast     = "broadcast"
	KindAddChannel    = "add_channel"
)

// Operation is one user's pending wizard: which flow, and what was
// collected so far.
type Operation struct {
	Kind   string            `json:"kind"`
	Step   string            `json:"step,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (op *Operation) Set(key, value string) {
	if op.Fields == nil {
		op.Fields = make(map[string]string)
	}
	op.Fields[key] = value
}

func (op *Operation) Field(key string) string {
	return op.Fields[key]
}

type Store struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewStore keys sessions under prefix so both bots can share one Redis.
func NewStore(rdb *redis.Client, prefix string, ttl time.Duration) *Store {
	return &Store{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *Store) key(userID int64) string {
	return s.prefix + ":session:" + strconv.FormatInt(userID, 10)
}

// Put replaces the user's operation and restarts its TTL.
func (s *Store) Put(ctx context.Context, userID int64, op Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.rdb.Set(ctx, s.key(userID), data, s.ttl).Err()
}

// Get returns the user's operation; ok is false when none is pending.
func (s *Store) Get(ctx context.Context, userID int64) (op Operation, ok bool, err error) {
	data, err := s.rdb.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Operation{}, false, nil
	}
	if err != nil {
		return Operation{}, false, err
	}
	if err := json.Unmarshal(data, &op); err != nil {
		return Operation{}, false, fmt.Errorf("decode session: %w", err)
	}
	return op, true, nil
}

func (s *Store) Clear(ctx context.Context, userID int64) error {
	return s.rdb.Del(ctx, s.key(userID)).Err()
}
