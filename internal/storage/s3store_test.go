package storage

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBucket = "loopcam"

// s3Server answers the subset of the S3 REST API the store uses. Objects are
// addressed path style as /<bucket>/<key>.
type s3Server struct {
	mu       sync.Mutex
	nextID   int
	objects  map[string][]byte
	types    map[string]string
	sessions map[string]map[int][]byte
	keys     map[string]string
	listDeny bool
}

func newS3Server() *s3Server {
	return &s3Server{
		objects:  map[string][]byte{},
		types:    map[string]string{},
		sessions: map[string]map[int][]byte{},
		keys:     map[string]string{},
	}
}

type completeRequest struct {
	Parts []struct {
		PartNumber int    `xml:"PartNumber"`
		ETag       string `xml:"ETag"`
	} `xml:"Part"`
}

func writeXML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, xml.Header+body)
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	writeXML(w, status, fmt.Sprintf(
		"<Error><Code>%s</Code><Message>%s</Message><RequestId>test</RequestId></Error>", code, code))
}

func (s *s3Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if bucket != testBucket {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}
	q := r.URL.Query()
	body, _ := io.ReadAll(r.Body)

	switch {
	case key == "" && r.Method == http.MethodGet && q.Has("uploads"):
		if s.listDeny {
			writeS3Error(w, http.StatusForbidden, "AccessDenied")
			return
		}
		var b strings.Builder
		ids := make([]string, 0, len(s.sessions))
		for id := range s.sessions {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if !strings.HasPrefix(s.keys[id], q.Get("prefix")) {
				continue
			}
			fmt.Fprintf(&b, "<Upload><Key>%s</Key><UploadId>%s</UploadId><Initiated>2026-01-02T03:04:05.000Z</Initiated></Upload>", s.keys[id], id)
		}
		writeXML(w, http.StatusOK, fmt.Sprintf(
			"<ListMultipartUploadsResult><Bucket>%s</Bucket><Prefix>%s</Prefix><MaxUploads>1000</MaxUploads><IsTruncated>false</IsTruncated>%s</ListMultipartUploadsResult>",
			testBucket, q.Get("prefix"), b.String()))

	case r.Method == http.MethodGet && q.Has("uploadId"):
		writeXML(w, http.StatusOK, fmt.Sprintf(
			"<ListPartsResult><Bucket>%s</Bucket><Key>%s</Key><UploadId>%s</UploadId><IsTruncated>false</IsTruncated></ListPartsResult>",
			testBucket, key, q.Get("uploadId")))

	case r.Method == http.MethodPost && q.Has("uploads"):
		s.nextID++
		id := fmt.Sprintf("upload-%d", s.nextID)
		s.sessions[id] = map[int][]byte{}
		s.keys[id] = key
		s.types[id] = r.Header.Get("Content-Type")
		writeXML(w, http.StatusOK, fmt.Sprintf(
			"<InitiateMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><UploadId>%s</UploadId></InitiateMultipartUploadResult>",
			testBucket, key, id))

	case r.Method == http.MethodPut && q.Has("uploadId"):
		parts, ok := s.sessions[q.Get("uploadId")]
		if !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchUpload")
			return
		}
		n, _ := strconv.Atoi(q.Get("partNumber"))
		parts[n] = body
		w.Header().Set("ETag", fmt.Sprintf("%q", fmt.Sprintf("part-%d-%d", n, len(body))))
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPost && q.Has("uploadId"):
		id := q.Get("uploadId")
		parts, ok := s.sessions[id]
		if !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchUpload")
			return
		}
		var req completeRequest
		if err := xml.Unmarshal(body, &req); err != nil {
			writeS3Error(w, http.StatusBadRequest, "MalformedXML")
			return
		}
		var out bytes.Buffer
		for i, p := range req.Parts {
			data, ok := parts[p.PartNumber]
			want := fmt.Sprintf("part-%d-%d", p.PartNumber, len(data))
			if !ok || p.PartNumber != i+1 || strings.Trim(p.ETag, `"`) != want {
				writeS3Error(w, http.StatusBadRequest, "InvalidPart")
				return
			}
			out.Write(data)
		}
		s.objects[key] = out.Bytes()
		delete(s.sessions, id)
		writeXML(w, http.StatusOK, fmt.Sprintf(
			"<CompleteMultipartUploadResult><Location>/%s/%s</Location><Bucket>%s</Bucket><Key>%s</Key><ETag>\"final-%d\"</ETag></CompleteMultipartUploadResult>",
			testBucket, key, testBucket, key, len(req.Parts)))

	case r.Method == http.MethodDelete && q.Has("uploadId"):
		id := q.Get("uploadId")
		if _, ok := s.sessions[id]; !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchUpload")
			return
		}
		delete(s.sessions, id)
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPut:
		s.objects[key] = body
		s.types[key] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"single"`)
		w.WriteHeader(http.StatusOK)

	default:
		writeS3Error(w, http.StatusNotImplemented, "NotImplemented")
	}
}

func (s *s3Server) object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

func (s *s3Server) contentType(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.types[key]
}

func setupS3Store(t *testing.T) (*S3Store, *s3Server) {
	t.Helper()
	fake := newS3Server()
	// TLS keeps minio-go from chunk-signing request bodies.
	srv := httptest.NewTLSServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewS3Store(context.Background(), S3Config{
		Endpoint:    srv.URL,
		Region:      "us-east-1",
		Bucket:      testBucket,
		AccessKey:   "access",
		SecretKey:   "secret",
		ContentType: "video/h264",
		Transport:   srv.Client().Transport,
	})
	require.NoError(t, err)
	return s, fake
}

func TestNewS3Store(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{})
	assert.Error(t, err, "bucket is required")

	s, err := NewS3Store(context.Background(), S3Config{Endpoint: "https://minio.local:9000", Bucket: "raw"})
	require.NoError(t, err)
	assert.Equal(t, "raw", s.Bucket())
	assert.Equal(t, "https://minio.local:9000/raw/h264/clip.h264", s.Location("h264/clip.h264"))
}

func TestS3Store_PutObject(t *testing.T) {
	s, fake := setupS3Store(t)

	etag, err := s.PutObject(context.Background(), "jpg/snap.jpg", bytes.NewReader([]byte("jpeg")), 4)
	require.NoError(t, err)
	assert.Equal(t, "single", etag)

	got, ok := fake.object("jpg/snap.jpg")
	require.True(t, ok)
	assert.Equal(t, []byte("jpeg"), got)
	assert.Equal(t, "video/h264", fake.contentType("jpg/snap.jpg"))
}

func TestS3Store_Multipart(t *testing.T) {
	s, fake := setupS3Store(t)
	ctx := context.Background()

	uploadID, err := s.CreateMultipartUpload(ctx, "h264/clip.h264")
	require.NoError(t, err)
	assert.Equal(t, "upload-1", uploadID)

	chunks := [][]byte{[]byte("aaaaa"), []byte("bbbbb"), []byte("cc")}
	var parts []CompletedPart
	for i, c := range chunks {
		etag, err := s.UploadPart(ctx, "h264/clip.h264", uploadID, i+1, bytes.NewReader(c), int64(len(c)))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("part-%d-%d", i+1, len(c)), etag)
		parts = append(parts, CompletedPart{PartNumber: i + 1, ETag: etag})
	}

	require.NoError(t, s.CompleteMultipartUpload(ctx, "h264/clip.h264", uploadID, parts))
	got, ok := fake.object("h264/clip.h264")
	require.True(t, ok)
	assert.Equal(t, []byte("aaaaabbbbbcc"), got)

	// The session is gone once completed.
	err = s.AbortMultipartUpload(ctx, "h264/clip.h264", uploadID)
	assert.ErrorIs(t, err, ErrNoSuchUpload)
}

func TestS3Store_CompleteRejectsBadParts(t *testing.T) {
	s, _ := setupS3Store(t)
	ctx := context.Background()

	uploadID, err := s.CreateMultipartUpload(ctx, "k")
	require.NoError(t, err)
	_, err = s.UploadPart(ctx, "k", uploadID, 1, bytes.NewReader([]byte("x")), 1)
	require.NoError(t, err)

	err = s.CompleteMultipartUpload(ctx, "k", uploadID, []CompletedPart{{PartNumber: 1, ETag: "wrong"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), uploadID)
}

func TestS3Store_Abort(t *testing.T) {
	s, _ := setupS3Store(t)
	ctx := context.Background()

	uploadID, err := s.CreateMultipartUpload(ctx, "h264/clip.h264")
	require.NoError(t, err)
	require.NoError(t, s.AbortMultipartUpload(ctx, "h264/clip.h264", uploadID))

	tests := []struct {
		name     string
		uploadID string
	}{
		{"already aborted", uploadID},
		{"never created", "upload-404"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.AbortMultipartUpload(ctx, "h264/clip.h264", tt.uploadID)
			assert.ErrorIs(t, err, ErrNoSuchUpload)
		})
	}
}

func TestS3Store_UploadPartUnknownSession(t *testing.T) {
	s, _ := setupS3Store(t)

	_, err := s.UploadPart(context.Background(), "k", "upload-404", 1, bytes.NewReader([]byte("x")), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uploading part 1 of k")
}

func TestS3Store_ListIncomplete(t *testing.T) {
	s, fake := setupS3Store(t)
	ctx := context.Background()

	videoID, err := s.CreateMultipartUpload(ctx, "h264/clip.h264")
	require.NoError(t, err)
	_, err = s.CreateMultipartUpload(ctx, "jpg/snap.jpg")
	require.NoError(t, err)

	uploads, err := s.ListIncomplete(ctx, "h264/")
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	assert.Equal(t, "h264/clip.h264", uploads[0].Key)
	assert.Equal(t, videoID, uploads[0].UploadID)
	assert.False(t, uploads[0].Initiated.IsZero())

	fake.mu.Lock()
	fake.listDeny = true
	fake.mu.Unlock()

	_, err = s.ListIncomplete(ctx, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing incomplete uploads")
}
