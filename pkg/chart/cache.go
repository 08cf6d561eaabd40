package chart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
)

// FileCache keeps the chart in a json file. Writes go to a temporary file
// that replaces the old one, so readers never see a partial chart.
type FileCache struct {
	path string
}

func NewFileCache(path string) *FileCache {
	return &FileCache{path: path}
}

func (c *FileCache) Load(ctx context.Context) (*Entry, error) {
	b, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chart cache: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decode chart cache: %w", err)
	}
	return &e, nil
}

func (c *FileCache) Store(ctx context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode chart cache: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".chart-*")
	if err != nil {
		return fmt.Errorf("create chart cache: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write chart cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write chart cache: %w", err)
	}
	return os.Rename(tmp.Name(), c.path)
}

// RedisCache keeps the chart under a single redis key.
type RedisCache struct {
	client redis.Cmdable
	key    string
}

func NewRedisCache(client redis.Cmdable, key string) *RedisCache {
	if key == "" {
		key = "vocalroom:chart"
	}
	return &RedisCache{client: client, key: key}
}

func (c *RedisCache) Load(ctx context.Context) (*Entry, error) {
	b, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chart from redis: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decode chart cache: %w", err)
	}
	return &e, nil
}

func (c *RedisCache) Store(ctx context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode chart cache: %w", err)
	}
	// freshness is decided by FetchedAt, the key itself never expires
	if err := c.client.Set(ctx, c.key, b, 0).Err(); err != nil {
		return fmt.Errorf("set chart in redis: %w", err)
	}
	return nil
}
