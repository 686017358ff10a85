// records_test.go: tests for the Redis record store
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginredis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pluginhost "github.com/agilira/go-pluginhost"
)

func TestRecordKeys(t *testing.T) {
	store := NewRecordStore(nil, "")
	assert.Equal(t, "pluginhost:plugins", store.indexKey())
	assert.Equal(t, "pluginhost:plugin:demo", store.recordKey("Demo"))

	custom := NewRecordStore(nil, "tenant:")
	assert.Equal(t, "tenant:plugin:demo", custom.recordKey("demo"))
	assert.NoError(t, custom.Close())
}

func TestRecordEncoding(t *testing.T) {
	record := pluginhost.Record{
		Name:        "Demo",
		Version:     4,
		InstalledOn: time.UnixMilli(1700000000123),
		AutoStart:   true,
	}

	encoded := encodeRecord(record)
	fields := make(map[string]string, len(encoded))
	for k, v := range encoded {
		fields[k] = v.(string)
	}

	decoded, err := decodeRecord(fields)
	require.NoError(t, err)
	assert.Equal(t, record.Name, decoded.Name)
	assert.Equal(t, record.Version, decoded.Version)
	assert.True(t, record.InstalledOn.Equal(decoded.InstalledOn))
	assert.True(t, decoded.AutoStart)

	t.Run("corrupt_version", func(t *testing.T) {
		_, err := decodeRecord(map[string]string{fieldName: "demo", fieldVersion: "x", fieldInstalledOn: "0"})
		require.Error(t, err)
		assert.True(t, pluginhost.HasCode(err, ErrCodeRedis))
	})
}

func TestOpen(t *testing.T) {
	t.Run("empty_address", func(t *testing.T) {
		_, err := Open(context.Background(), Config{})
		require.Error(t, err)
		assert.True(t, pluginhost.HasCode(err, pluginhost.ErrCodeConfigValidation))
	})

	t.Run("unreachable_server", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := Open(ctx, Config{Address: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
		require.Error(t, err)
		assert.True(t, pluginhost.HasCode(err, ErrCodeRedis))
	})

	t.Run("config_from_host", func(t *testing.T) {
		cfg := ConfigFrom(pluginhost.RedisConfig{Address: "redis:6379", DB: 2, Prefix: "p"})
		assert.Equal(t, "redis:6379", cfg.Address)
		assert.Equal(t, 2, cfg.DB)
		assert.Equal(t, "p", cfg.Prefix)
	})
}

// TestRecordStoreLive runs against a real server when PLUGINHOST_TEST_REDIS
// names its address.
func TestRecordStoreLive(t *testing.T) {
	addr := os.Getenv("PLUGINHOST_TEST_REDIS")
	if addr == "" {
		t.Skip("PLUGINHOST_TEST_REDIS not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()

	store := NewRecordStore(client, "pluginhost-test-"+time.Now().Format("150405.000000"))
	defer func() {
		keys, _ := client.Keys(ctx, store.prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	}()

	require.NoError(t, store.Save(ctx, pluginhost.Record{Name: "beta", Version: 1, InstalledOn: time.Now()}))
	require.NoError(t, store.Save(ctx, pluginhost.Record{Name: "Alpha", Version: 2, InstalledOn: time.Now()}))

	record, err := store.Find(ctx, "ALPHA")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", record.Name)

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Alpha", all[0].Name)

	require.NoError(t, store.SetAutoStart(ctx, "beta", true))
	record, err = store.Find(ctx, "beta")
	require.NoError(t, err)
	assert.True(t, record.AutoStart)

	require.NoError(t, store.Delete(ctx, "beta"))
	assert.True(t, pluginhost.IsRecordNotFound(store.Delete(ctx, "beta")))
	assert.True(t, pluginhost.IsRecordNotFound(store.SetAutoStart(ctx, "beta", false)))
}
