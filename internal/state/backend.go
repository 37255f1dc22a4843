package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryBackend keeps serialized values in a map. It is meant for tests.
type MemoryBackend struct {
	mu   sync.Mutex
	data map[string]map[Field][]byte
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]map[Field][]byte)}
}

func (m *MemoryBackend) Save(_ context.Context, sessionID string, field Field, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[sessionID] == nil {
		m.data[sessionID] = make(map[Field][]byte)
	}
	m.data[sessionID][field] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBackend) Load(_ context.Context, sessionID string, field Field) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[sessionID][field]
	if !ok {
		return nil, ErrMissing
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBackend) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, sessionID)
	return nil
}

// FileBackend stores each field as {base}/{session}/state/{field}.json.
type FileBackend struct {
	base string
}

// NewFileBackend returns a FileBackend rooted at base.
func NewFileBackend(base string) *FileBackend {
	return &FileBackend{base: base}
}

func (f *FileBackend) dir(sessionID string) string {
	return filepath.Join(f.base, sessionID, "state")
}

func (f *FileBackend) Save(_ context.Context, sessionID string, field Field, data []byte) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	dir := f.dir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, string(field)+".json"), data)
}

func (f *FileBackend) Load(_ context.Context, sessionID string, field Field) ([]byte, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(f.dir(sessionID), string(field)+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrMissing
	}
	return data, err
}

func (f *FileBackend) Delete(_ context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	return os.RemoveAll(f.dir(sessionID))
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// RedisBackend stores a session as one hash keyed examforge:state:{session}.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBackend returns a RedisBackend. A zero ttl keeps keys forever.
func NewRedisBackend(client *redis.Client, ttl time.Duration) *RedisBackend {
	return &RedisBackend{client: client, prefix: "examforge:state:", ttl: ttl}
}

func (r *RedisBackend) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisBackend) Save(ctx context.Context, sessionID string, field Field, data []byte) error {
	key := r.key(sessionID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, string(field), data)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save %s/%s: %w", sessionID, field, err)
	}
	return nil
}

func (r *RedisBackend) Load(ctx context.Context, sessionID string, field Field) ([]byte, error) {
	data, err := r.client.HGet(ctx, r.key(sessionID), string(field)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMissing
	}
	if err != nil {
		return nil, fmt.Errorf("redis load %s/%s: %w", sessionID, field, err)
	}
	return data, nil
}

func (r *RedisBackend) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", sessionID, err)
	}
	return nil
}
