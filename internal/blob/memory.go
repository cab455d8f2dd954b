package blob

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sync"
)

type memBlob struct {
	data        []byte
	contentType string
	checksum    string
}

// Memory is a map-backed Store for tests and local runs.
type Memory struct {
	mu    sync.Mutex
	blobs map[string]memBlob
}

// NewMemory creates an empty in-memory blob store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string]memBlob)}
}

func (s *Memory) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b.data...), nil
}

func (s *Memory) Put(_ context.Context, key string, data []byte, contentType string) error {
	sum := md5.Sum(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.blobs[key] = memBlob{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		checksum:    hex.EncodeToString(sum[:]),
	}
	return nil
}

func (s *Memory) Head(_ context.Context, key string) (*Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Meta{
		Size:        int64(len(b.data)),
		ContentType: b.contentType,
		Checksum:    b.checksum,
	}, nil
}
