package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFileStore_PutObject(t *testing.T) {
	s := setupFileStore(t)
	ctx := context.Background()

	etag, err := s.PutObject(ctx, "jpg/snap.jpg", bytes.NewReader([]byte("jpeg")), 4)
	require.NoError(t, err)
	assert.Equal(t, "ab4f3ccba74857c5f2ba0d5b7dbf65e1", etag)

	got, err := os.ReadFile(s.Location("jpg/snap.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), got)
}

func TestFileStore_PutObjectRejectsBadKeys(t *testing.T) {
	s := setupFileStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"escape", "../outside"},
		{"absolute", "/etc/passwd"},
		{"reserved", ".multipart/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.PutObject(ctx, tt.key, bytes.NewReader(nil), 0)
			assert.Error(t, err)
		})
	}
}

func TestFileStore_PutObjectShortBody(t *testing.T) {
	s := setupFileStore(t)
	_, err := s.PutObject(context.Background(), "a", bytes.NewReader([]byte("abc")), 10)
	assert.Error(t, err)
}

func TestFileStore_MultipartRoundTrip(t *testing.T) {
	s := setupFileStore(t)
	ctx := context.Background()

	chunks := [][]byte{
		bytes.Repeat([]byte{'a'}, 100),
		bytes.Repeat([]byte{'b'}, 100),
		[]byte("tail"),
	}

	uploadID, err := s.CreateMultipartUpload(ctx, "h264/clip.h264")
	require.NoError(t, err)
	require.NotEmpty(t, uploadID)

	var parts []CompletedPart
	for i, c := range chunks {
		etag, err := s.UploadPart(ctx, "h264/clip.h264", uploadID, i+1, bytes.NewReader(c), int64(len(c)))
		require.NoError(t, err)
		parts = append(parts, CompletedPart{PartNumber: i + 1, ETag: etag})
	}

	incomplete, err := s.ListIncomplete(ctx, "h264/")
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, uploadID, incomplete[0].UploadID)
	assert.Equal(t, int64(204), incomplete[0].Size)

	require.NoError(t, s.CompleteMultipartUpload(ctx, "h264/clip.h264", uploadID, parts))

	got, err := os.ReadFile(s.Location("h264/clip.h264"))
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(chunks, nil), got)

	incomplete, err = s.ListIncomplete(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, incomplete)

	// Finalized sessions are gone.
	err = s.AbortMultipartUpload(ctx, "h264/clip.h264", uploadID)
	assert.ErrorIs(t, err, ErrNoSuchUpload)
}

func TestFileStore_CompleteValidatesParts(t *testing.T) {
	s := setupFileStore(t)
	ctx := context.Background()

	uploadID, err := s.CreateMultipartUpload(ctx, "k")
	require.NoError(t, err)
	etag, err := s.UploadPart(ctx, "k", uploadID, 1, bytes.NewReader([]byte("x")), 1)
	require.NoError(t, err)

	tests := []struct {
		name  string
		parts []CompletedPart
	}{
		{"no parts", nil},
		{"wrong etag", []CompletedPart{{PartNumber: 1, ETag: "bogus"}}},
		{"missing part", []CompletedPart{{PartNumber: 1, ETag: etag}, {PartNumber: 2, ETag: etag}}},
		{"out of order", []CompletedPart{{PartNumber: 1, ETag: etag}, {PartNumber: 1, ETag: etag}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.CompleteMultipartUpload(ctx, "k", uploadID, tt.parts)
			assert.ErrorIs(t, err, ErrInvalidPart)
		})
	}

	_, err = os.Stat(s.Location("k"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStore_Abort(t *testing.T) {
	s := setupFileStore(t)
	ctx := context.Background()

	uploadID, err := s.CreateMultipartUpload(ctx, "k")
	require.NoError(t, err)
	_, err = s.UploadPart(ctx, "k", uploadID, 1, bytes.NewReader([]byte("x")), 1)
	require.NoError(t, err)

	require.NoError(t, s.AbortMultipartUpload(ctx, "k", uploadID))

	_, err = os.Stat(filepath.Join(s.Bucket(), multipartDir, uploadID))
	assert.True(t, os.IsNotExist(err))

	_, err = s.UploadPart(ctx, "k", uploadID, 2, bytes.NewReader([]byte("y")), 1)
	assert.ErrorIs(t, err, ErrNoSuchUpload)
}

func TestFileStore_UploadIDsAreDistinct(t *testing.T) {
	s := setupFileStore(t)
	ctx := context.Background()

	a, err := s.CreateMultipartUpload(ctx, "k")
	require.NoError(t, err)
	b, err := s.CreateMultipartUpload(ctx, "k")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestFileStore_UploadIDMustMatchKey(t *testing.T) {
	s := setupFileStore(t)
	ctx := context.Background()

	uploadID, err := s.CreateMultipartUpload(ctx, "a")
	require.NoError(t, err)

	_, err = s.UploadPart(ctx, "b", uploadID, 1, bytes.NewReader([]byte("x")), 1)
	assert.ErrorIs(t, err, ErrNoSuchUpload)

	_, err = s.UploadPart(ctx, "a", "../../etc", 1, bytes.NewReader([]byte("x")), 1)
	assert.ErrorIs(t, err, ErrNoSuchUpload)
}

func TestFileStore_ListIncompleteOrdering(t *testing.T) {
	s := setupFileStore(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(-tick) * time.Minute)
	}

	first, err := s.CreateMultipartUpload(ctx, "h264/a")
	require.NoError(t, err)
	second, err := s.CreateMultipartUpload(ctx, "h264/b")
	require.NoError(t, err)
	_, err = s.CreateMultipartUpload(ctx, "jpg/c")
	require.NoError(t, err)

	list, err := s.ListIncomplete(ctx, "h264/")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second, list[0].UploadID)
	assert.Equal(t, first, list[1].UploadID)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{Handler: HandlerFilesystem, BaseDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = Open(ctx, Options{Handler: HandlerFilesystem})
	assert.Error(t, err)

	_, err = Open(ctx, Options{Handler: "ftp"})
	assert.ErrorIs(t, err, ErrUnknownHandler)
}
