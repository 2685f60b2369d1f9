package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// multipartDir holds staged parts, one directory per upload id.
const multipartDir = ".multipart"

type uploadMeta struct {
	Key       string    `json:"key"`
	Initiated time.Time `json:"initiated"`
}

// FileStore writes objects below a local directory. Multipart uploads are
// staged under .multipart/<upload id>/ and concatenated on completion.
type FileStore struct {
	sandbox *Sandbox
	now     func() time.Time
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	sb, err := NewSandbox(baseDir)
	if err != nil {
		return nil, fmt.Errorf("opening file store: %w", err)
	}
	return &FileStore{sandbox: sb, now: time.Now}, nil
}

// Bucket returns the store root.
func (s *FileStore) Bucket() string {
	return s.sandbox.BaseDir()
}

// Location returns the file path an object is written to.
func (s *FileStore) Location(key string) string {
	return filepath.Join(s.sandbox.BaseDir(), filepath.FromSlash(key))
}

func (s *FileStore) checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty object key")
	}
	if strings.HasPrefix(path.Clean(key), multipartDir) {
		return fmt.Errorf("object key %q uses reserved prefix", key)
	}
	return nil
}

// PutObject writes body to key and returns its MD5 etag.
func (s *FileStore) PutObject(ctx context.Context, key string, body io.Reader, size int64) (string, error) {
	if err := s.checkKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	h := md5.New()
	n, err := s.sandbox.AtomicWriteReader(filepath.FromSlash(key), io.TeeReader(body, h))
	if err != nil {
		return "", fmt.Errorf("writing object %s: %w", key, err)
	}
	if n != size {
		return "", fmt.Errorf("writing object %s: wrote %d bytes, expected %d", key, n, size)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CreateMultipartUpload starts a staged upload for key.
func (s *FileStore) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	if err := s.checkKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	uploadID := uuid.NewString()
	dir := path.Join(multipartDir, uploadID)
	if err := s.sandbox.MkdirAll(dir); err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}

	meta, err := json.Marshal(uploadMeta{Key: key, Initiated: s.now().UTC()})
	if err != nil {
		return "", fmt.Errorf("encoding upload metadata: %w", err)
	}
	if _, err := s.sandbox.AtomicWriteReader(path.Join(dir, "meta.json"), strings.NewReader(string(meta))); err != nil {
		return "", fmt.Errorf("writing upload metadata: %w", err)
	}
	return uploadID, nil
}

func (s *FileStore) loadMeta(key, uploadID string) (uploadMeta, error) {
	var meta uploadMeta
	if uploadID == "" || strings.ContainsAny(uploadID, `/\.`) {
		return meta, fmt.Errorf("%w: %q", ErrNoSuchUpload, uploadID)
	}
	data, err := s.sandbox.ReadFile(path.Join(multipartDir, uploadID, "meta.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return meta, fmt.Errorf("%w: %s", ErrNoSuchUpload, uploadID)
		}
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decoding upload metadata: %w", err)
	}
	if key != "" && meta.Key != key {
		return meta, fmt.Errorf("%w: %s belongs to %s", ErrNoSuchUpload, uploadID, meta.Key)
	}
	return meta, nil
}

func partName(partNumber int) string {
	return fmt.Sprintf("part-%05d", partNumber)
}

// UploadPart stages one part.
func (s *FileStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) (string, error) {
	if partNumber < 1 || partNumber > 10000 {
		return "", fmt.Errorf("%w: part number %d out of range", ErrInvalidPart, partNumber)
	}
	if _, err := s.loadMeta(key, uploadID); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	h := md5.New()
	n, err := s.sandbox.AtomicWriteReader(path.Join(multipartDir, uploadID, partName(partNumber)), io.TeeReader(body, h))
	if err != nil {
		return "", fmt.Errorf("writing part %d: %w", partNumber, err)
	}
	if n != size {
		return "", fmt.Errorf("writing part %d: wrote %d bytes, expected %d", partNumber, n, size)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CompleteMultipartUpload concatenates the listed parts into the object and
// removes the staging directory.
func (s *FileStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	if _, err := s.loadMeta(key, uploadID); err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("%w: no parts", ErrInvalidPart)
	}

	dir := path.Join(multipartDir, uploadID)
	files := make([]*os.File, 0, len(parts))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	readers := make([]io.Reader, 0, len(parts))
	for i, p := range parts {
		if i > 0 && p.PartNumber <= parts[i-1].PartNumber {
			return fmt.Errorf("%w: part %d out of order", ErrInvalidPart, p.PartNumber)
		}
		f, err := s.sandbox.Open(path.Join(dir, partName(p.PartNumber)))
		if err != nil {
			return fmt.Errorf("%w: part %d: %v", ErrInvalidPart, p.PartNumber, err)
		}
		files = append(files, f)

		h := md5.New()
		if _, err := io.Copy(h, f); err != nil {
			return fmt.Errorf("hashing part %d: %w", p.PartNumber, err)
		}
		if got := hex.EncodeToString(h.Sum(nil)); got != p.ETag {
			return fmt.Errorf("%w: part %d etag %s, expected %s", ErrInvalidPart, p.PartNumber, p.ETag, got)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewinding part %d: %w", p.PartNumber, err)
		}
		readers = append(readers, f)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := s.sandbox.AtomicWriteReader(filepath.FromSlash(key), io.MultiReader(readers...)); err != nil {
		return fmt.Errorf("assembling object %s: %w", key, err)
	}
	return s.sandbox.RemoveAll(dir)
}

// AbortMultipartUpload discards all staged parts.
func (s *FileStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	if _, err := s.loadMeta(key, uploadID); err != nil {
		return err
	}
	return s.sandbox.RemoveAll(path.Join(multipartDir, uploadID))
}

// ListIncomplete lists staged uploads whose key starts with prefix.
func (s *FileStore) ListIncomplete(ctx context.Context, prefix string) ([]IncompleteUpload, error) {
	exists, err := s.sandbox.Exists(multipartDir)
	if err != nil || !exists {
		return nil, err
	}
	entries, err := s.sandbox.List(multipartDir)
	if err != nil {
		return nil, err
	}

	var out []IncompleteUpload
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.loadMeta("", e.Name())
		if err != nil || !strings.HasPrefix(meta.Key, prefix) {
			continue
		}

		upload := IncompleteUpload{Key: meta.Key, UploadID: e.Name(), Initiated: meta.Initiated}
		parts, err := s.sandbox.List(path.Join(multipartDir, e.Name()))
		if err != nil {
			return nil, err
		}
		for _, p := range parts {
			if !strings.HasPrefix(p.Name(), "part-") {
				continue
			}
			if info, err := p.Info(); err == nil {
				upload.Size += info.Size()
			}
		}
		out = append(out, upload)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Initiated.Before(out[j].Initiated) })
	return out, nil
}
