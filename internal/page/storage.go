package page

import (
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// Storage is durable client-side key/value storage.
type Storage interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

type MemStorage struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemStorage() *MemStorage {
	return &MemStorage{m: map[string]string{}}
}

func (s *MemStorage) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *MemStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

// LevelStorage keeps page state in a leveldb directory so it survives
// restarts of the page process.
type LevelStorage struct {
	db *leveldb.DB
}

func OpenLevelStorage(path string) (*LevelStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelStorage{db: db}, nil
}

func (s *LevelStorage) Get(key string) (string, bool, error) {
	b, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

func (s *LevelStorage) Set(key, value string) error {
	return s.db.Put([]byte(key), []byte(value), nil)
}

func (s *LevelStorage) Close() error {
	return s.db.Close()
}
