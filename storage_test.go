package coapnode

import (
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// memStore is the in-memory FileStore the tests run against.
type memStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{files: make(map[string][]byte)}
}

func (s *memStore) put(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = append([]byte{}, data...)
}

func (s *memStore) get(name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte{}, s.files[name]...)
}

func (s *memStore) Open(name string) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[name]; !ok {
		return nil, fmt.Errorf("file %s not found", name)
	}
	return &memFile{store: s, name: name}, nil
}

func (s *memStore) Create(name string) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = nil
	return &memFile{store: s, name: name}, nil
}

func (s *memStore) Append(name string) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &memFile{store: s, name: name}
	f.pos = int64(len(s.files[name]))
	return f, nil
}

type memFile struct {
	store *memStore
	name  string
	pos   int64
}

func (f *memFile) Read(p []byte) (int, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	data := f.store.files[f.name]
	if f.pos >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	data := f.store.files[f.name]
	for int64(len(data)) < f.pos {
		data = append(data, 0)
	}
	if f.pos < int64(len(data)) {
		overwrite := copy(data[f.pos:], p)
		data = append(data, p[overwrite:]...)
	} else {
		data = append(data, p...)
	}
	f.store.files[f.name] = data
	f.pos += int64(len(p))
	return len(p), nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = int64(len(f.store.files[f.name])) + offset
	}
	return f.pos, nil
}

func (f *memFile) Close() error {
	return nil
}

func (f *memFile) Size() (int64, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	return int64(len(f.store.files[f.name])), nil
}

func TestMemStoreAppendAndRead(t *testing.T) {
	store := newMemStore()
	store.put("a.txt", []byte("one\n"))

	f, err := store.Append("a.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("two\n"))
	require.NoError(t, err)
	f.Close()

	require.Equal(t, []byte("one\ntwo\n"), store.get("a.txt"))
}
