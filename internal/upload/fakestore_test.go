package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/loopcam/internal/storage"
)

type storeCall struct {
	Op         string
	Key        string
	UploadID   string
	PartNumber int
	Size       int64
}

type memSession struct {
	key   string
	parts map[int][]byte
}

// memStore is an in-memory ObjectStore with failure injection.
type memStore struct {
	mu       sync.Mutex
	calls    []storeCall
	objects  map[string][]byte
	sessions map[string]*memSession
	nextID   int

	failPut      error
	failCreate   error
	failPart     map[int]error
	failComplete error
	failAbort    error
	partDelay    time.Duration

	inFlight    int
	maxInFlight int
}

func newMemStore() *memStore {
	return &memStore{
		objects:  map[string][]byte{},
		sessions: map[string]*memSession{},
		failPart: map[int]error{},
	}
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (s *memStore) record(c storeCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

func (s *memStore) PutObject(_ context.Context, key string, body io.Reader, size int64) (string, error) {
	s.record(storeCall{Op: "put", Key: key, Size: size})
	if s.failPut != nil {
		return "", s.failPut
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("size mismatch: %d != %d", len(data), size)
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return etagOf(data), nil
}

func (s *memStore) CreateMultipartUpload(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, storeCall{Op: "create", Key: key})
	if s.failCreate != nil {
		return "", s.failCreate
	}
	s.nextID++
	id := fmt.Sprintf("upload-%d", s.nextID)
	s.sessions[id] = &memSession{key: key, parts: map[int][]byte{}}
	return id, nil
}

func (s *memStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, storeCall{Op: "part", Key: key, UploadID: uploadID, PartNumber: partNumber, Size: size})
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	failErr := s.failPart[partNumber]
	delay := s.partDelay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if failErr != nil {
		return "", failErr
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("size mismatch: %d != %d", len(data), size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[uploadID]
	if !ok {
		return "", storage.ErrNoSuchUpload
	}
	sess.parts[partNumber] = data
	return etagOf(data), nil
}

func (s *memStore) CompleteMultipartUpload(_ context.Context, key, uploadID string, parts []storage.CompletedPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, storeCall{Op: "complete", Key: key, UploadID: uploadID, PartNumber: len(parts)})
	if s.failComplete != nil {
		return s.failComplete
	}
	sess, ok := s.sessions[uploadID]
	if !ok {
		return storage.ErrNoSuchUpload
	}

	var out bytes.Buffer
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return fmt.Errorf("%w: part %d at position %d", storage.ErrInvalidPart, p.PartNumber, i)
		}
		data, ok := sess.parts[p.PartNumber]
		if !ok || etagOf(data) != p.ETag {
			return fmt.Errorf("%w: part %d", storage.ErrInvalidPart, p.PartNumber)
		}
		out.Write(data)
	}
	s.objects[key] = out.Bytes()
	delete(s.sessions, uploadID)
	return nil
}

func (s *memStore) AbortMultipartUpload(_ context.Context, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, storeCall{Op: "abort", Key: key, UploadID: uploadID})
	if s.failAbort != nil {
		return s.failAbort
	}
	delete(s.sessions, uploadID)
	return nil
}

func (s *memStore) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// partCalls returns part calls sorted by part number.
func (s *memStore) partCalls() []storeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storeCall
	for _, c := range s.calls {
		if c.Op == "part" {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out
}

func (s *memStore) ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Op
	}
	return out
}

func (s *memStore) object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}
