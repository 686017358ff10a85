// records.go: RecordStore backed by Redis hashes
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

// Package pluginredis stores plugin install records in Redis. Each record is
// a hash under "<prefix>:plugin:<name>" and the set "<prefix>:plugins" indexes
// the recorded names.
package pluginredis

import (
	"context"
	stderrors "errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agilira/go-errors"
	"github.com/redis/go-redis/v9"

	pluginhost "github.com/agilira/go-pluginhost"
)

// ErrCodeRedis marks Redis transport failures.
const ErrCodeRedis = "REDIS_2801"

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "pluginhost"

const (
	fieldName        = "name"
	fieldVersion     = "version"
	fieldInstalledOn = "installed_on"
	fieldAutoStart   = "auto_start"
)

func NewRedisError(operation string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeRedis, "Redis operation failed: "+operation).
		WithUserMessage("The plugin record store is unavailable").
		WithContext("operation", operation).
		WithSeverity("error").
		AsRetryable()
}

// Config configures Open.
type Config struct {
	Address     string
	Password    string
	DB          int
	Prefix      string
	DialTimeout time.Duration
}

// ConfigFrom converts the host Redis settings.
func ConfigFrom(c pluginhost.RedisConfig) Config {
	return Config{Address: c.Address, Password: c.Password, DB: c.DB, Prefix: c.Prefix}
}

// RecordStore implements pluginhost.RecordStore on Redis.
type RecordStore struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config) (*RecordStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, pluginhost.NewConfigValidationError("redis address cannot be empty")
	}
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.DialTimeout > 0 {
		options.DialTimeout = cfg.DialTimeout
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, NewRedisError("ping", err)
	}
	store := NewRecordStore(client, cfg.Prefix)
	store.owned = true
	return store, nil
}

// NewRecordStore wraps an existing client. The caller keeps ownership of it.
func NewRecordStore(client redis.UniversalClient, prefix string) *RecordStore {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RecordStore{client: client, prefix: prefix}
}

// Close closes the client when the store opened it.
func (s *RecordStore) Close() error {
	if s == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *RecordStore) indexKey() string {
	return s.prefix + ":plugins"
}

func (s *RecordStore) recordKey(name string) string {
	return s.prefix + ":plugin:" + strings.ToLower(name)
}

func (s *RecordStore) Save(ctx context.Context, r pluginhost.Record) error {
	key := s.recordKey(r.Name)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, encodeRecord(r))
		pipe.SAdd(ctx, s.indexKey(), strings.ToLower(r.Name))
		return nil
	})
	if err != nil {
		return NewRedisError("save "+r.Name, err)
	}
	return nil
}

func (s *RecordStore) Find(ctx context.Context, name string) (pluginhost.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(name)).Result()
	if err != nil {
		return pluginhost.Record{}, NewRedisError("find "+name, err)
	}
	if len(fields) == 0 {
		return pluginhost.Record{}, pluginhost.NewRecordNotFoundError(name)
	}
	return decodeRecord(fields)
}

func (s *RecordStore) All(ctx context.Context) ([]pluginhost.Record, error) {
	names, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, NewRedisError("list", err)
	}
	sort.Strings(names)

	cmds := make([]*redis.MapStringStringCmd, len(names))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, name := range names {
			cmds[i] = pipe.HGetAll(ctx, s.recordKey(name))
		}
		return nil
	})
	if err != nil {
		return nil, NewRedisError("list", err)
	}

	records := make([]pluginhost.Record, 0, len(names))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Index entry without a hash: the record was deleted concurrently.
			continue
		}
		record, err := decodeRecord(fields)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *RecordStore) Delete(ctx context.Context, name string) error {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, s.recordKey(name))
		pipe.SRem(ctx, s.indexKey(), strings.ToLower(name))
		return nil
	})
	if err != nil {
		return NewRedisError("delete "+name, err)
	}
	if removed.Val() == 0 {
		return pluginhost.NewRecordNotFoundError(name)
	}
	return nil
}

func (s *RecordStore) SetAutoStart(ctx context.Context, name string, autoStart bool) error {
	key := s.recordKey(name)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return pluginhost.NewRecordNotFoundError(name)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldAutoStart, formatBool(autoStart))
			return nil
		})
		return err
	}, key)
	if err == nil || pluginhost.IsRecordNotFound(err) {
		return err
	}
	if stderrors.Is(err, redis.TxFailedErr) {
		return NewRedisError("set auto start "+name+": concurrent update", err)
	}
	return NewRedisError("set auto start "+name, err)
}

func encodeRecord(r pluginhost.Record) map[string]any {
	return map[string]any{
		fieldName:        r.Name,
		fieldVersion:     strconv.Itoa(r.Version),
		fieldInstalledOn: strconv.FormatInt(r.InstalledOn.UnixMilli(), 10),
		fieldAutoStart:   formatBool(r.AutoStart),
	}
}

func decodeRecord(fields map[string]string) (pluginhost.Record, error) {
	version, err := strconv.Atoi(fields[fieldVersion])
	if err != nil {
		return pluginhost.Record{}, NewRedisError("decode version of "+fields[fieldName], err)
	}
	installedOn, err := strconv.ParseInt(fields[fieldInstalledOn], 10, 64)
	if err != nil {
		return pluginhost.Record{}, NewRedisError("decode installed_on of "+fields[fieldName], err)
	}
	return pluginhost.Record{
		Name:        fields[fieldName],
		Version:     version,
		InstalledOn: time.UnixMilli(installedOn),
		AutoStart:   fields[fieldAutoStart] == "1",
	}, nil
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

var _ pluginhost.RecordStore = (*RecordStore)(nil)
