package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/opencode-ai/agentrelay/internal/logging"
	"github.com/opencode-ai/agentrelay/internal/storage"
	"github.com/opencode-ai/agentrelay/pkg/types"
	"github.com/redis/go-redis/v9"
)

// Store persists conversation records. Get reports a missing record with
// ok == false and a nil error.
type Store interface {
	Get(ctx context.Context, conversationID string) (rec Record, ok bool, err error)
	Put(ctx context.Context, conversationID string, rec Record) error
	Delete(ctx context.Context, conversationID string) error
	List(ctx context.Context) (map[string]Record, error)
	Close() error
}

// NewStore opens the store selected by cfg.Driver: "file" (the default)
// or "redis".
func NewStore(ctx context.Context, cfg types.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "file":
		if cfg.Path == "" {
			return nil, errors.New("file store needs a path")
		}
		return NewFileStore(cfg.Path)
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return NewRedisStore(client, cfg.RedisKey), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// FileStore keeps every record in one JSON document. The document is read
// once when the store opens and rewritten whole on every change.
type FileStore struct {
	doc *storage.Document

	mu      sync.Mutex
	records map[string]Record
}

// NewFileStore opens the document at path. A missing document is an empty
// store. A corrupt one is logged and treated as empty; it is replaced by
// the next write.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		doc:     storage.Open(path),
		records: make(map[string]Record),
	}
	err := s.doc.Load(&s.records)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
	case errors.Is(err, storage.ErrCorrupt):
		logging.Warn().Err(err).Str("path", path).Msg("session store is corrupt, starting empty")
		s.records = make(map[string]Record)
	default:
		return nil, err
	}
	if s.records == nil {
		s.records = make(map[string]Record)
	}
	return s, nil
}

// Path returns the document path.
func (s *FileStore) Path() string {
	return s.doc.Path()
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, conversationID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[conversationID]
	return rec.Clone(), ok, nil
}

// Put implements Store. The in-memory copy is updated even when the write
// fails.
func (s *FileStore) Put(ctx context.Context, conversationID string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[conversationID] = rec.Clone()
	return s.doc.Save(s.records)
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[conversationID]; !ok {
		return nil
	}
	delete(s.records, conversationID)
	return s.doc.Save(s.records)
}

// List implements Store.
func (s *FileStore) List(ctx context.Context) (map[string]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Record, len(s.records))
	for id, rec := range s.records {
		out[id] = rec.Clone()
	}
	return out, nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

// MemoryStore is a Store without persistence.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, conversationID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[conversationID]
	return rec.Clone(), ok, nil
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, conversationID string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[conversationID] = rec.Clone()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, conversationID)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context) (map[string]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.records), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
