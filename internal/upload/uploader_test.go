package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/loopcam/internal/events"
	"github.com/jmylchreest/loopcam/internal/ringbuf"
	"github.com/jmylchreest/loopcam/internal/storage"
)

const testThreshold = 1000

func randomBytes(n int, seed int64) []byte {
	out := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(out)
	return out
}

func newTestUploader(t *testing.T, store storage.ObjectStore, opts Options) (*Uploader, *events.Recorder) {
	t.Helper()
	rec := &events.Recorder{}
	if opts.MinPartSize == 0 {
		opts.MinPartSize = testThreshold
	}
	u, err := New(store, opts, WithObserver(rec))
	require.NoError(t, err)
	return u, rec
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"defaults", DefaultOptions(), false},
		{"zero part size", Options{Concurrency: 1}, true},
		{"negative part size", Options{MinPartSize: -1, Concurrency: 1}, true},
		{"concurrency too high", Options{MinPartSize: 1, Concurrency: MaxConcurrency + 1}, true},
		{"concurrency max", Options{MinPartSize: 1, Concurrency: MaxConcurrency}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultOptions())
	assert.Error(t, err)

	u, err := New(newMemStore(), Options{MinPartSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, u.Options().Concurrency)
	assert.Equal(t, 30*time.Second, u.Options().AbortTimeout)
}

func TestUploadBytes_RoundTrip(t *testing.T) {
	sizes := []int{0, 1, 999, 1000, 1001, 1999, 2000, 2001, 3500, 5000}

	for _, concurrency := range []int{1, 3} {
		for _, size := range sizes {
			t.Run(fmt.Sprintf("c%d/%d", concurrency, size), func(t *testing.T) {
				store := newMemStore()
				u, _ := newTestUploader(t, store, Options{Concurrency: concurrency})
				data := randomBytes(size, int64(size))

				report, err := u.UploadBytes(context.Background(), "obj", data)
				require.NoError(t, err)

				got, ok := store.object("obj")
				require.True(t, ok)
				assert.True(t, bytes.Equal(data, got), "object must be bit-identical")
				assert.Equal(t, int64(size), report.TotalBytes)

				if size <= testThreshold {
					assert.Equal(t, StrategySingle, report.Strategy)
					assert.Equal(t, 1, store.count("put"))
					assert.Equal(t, 0, store.count("create"))
					return
				}

				assert.Equal(t, StrategyMultipart, report.Strategy)
				calls := store.partCalls()
				wantParts := (size + testThreshold - 1) / testThreshold
				require.Len(t, calls, wantParts)
				require.Len(t, report.Parts, wantParts)
				for i, c := range calls {
					assert.Equal(t, i+1, c.PartNumber)
					assert.Equal(t, i+1, report.Parts[i].PartNumber)
					if i < len(calls)-1 {
						assert.Equal(t, int64(testThreshold), c.Size, "non-final parts are exactly the threshold")
					} else {
						assert.LessOrEqual(t, c.Size, int64(testThreshold))
						assert.Positive(t, c.Size)
					}
				}
				assert.Equal(t, 1, store.count("complete"))
				assert.Equal(t, 0, store.count("abort"))
			})
		}
	}
}

func TestUploadBytes_ThresholdBoundary(t *testing.T) {
	t.Run("equal is single shot", func(t *testing.T) {
		store := newMemStore()
		u, _ := newTestUploader(t, store, Options{})

		report, err := u.UploadBytes(context.Background(), "k", randomBytes(testThreshold, 1))
		require.NoError(t, err)
		assert.Equal(t, StrategySingle, report.Strategy)
		assert.Equal(t, []string{"put"}, store.ops())
		assert.NotEmpty(t, report.ETag)
	})

	t.Run("one over is multipart", func(t *testing.T) {
		store := newMemStore()
		u, _ := newTestUploader(t, store, Options{})

		report, err := u.UploadBytes(context.Background(), "k", randomBytes(testThreshold+1, 1))
		require.NoError(t, err)
		assert.Equal(t, StrategyMultipart, report.Strategy)
		assert.Equal(t, []string{"create", "part", "part", "complete"}, store.ops())

		calls := store.partCalls()
		assert.Equal(t, int64(testThreshold), calls[0].Size)
		assert.Equal(t, int64(1), calls[1].Size)
	})
}

func TestUploadBytes_TwelveMiB(t *testing.T) {
	const mib = 1024 * 1024
	store := newMemStore()
	u, rec := newTestUploader(t, store, Options{MinPartSize: 5 * mib})

	data := randomBytes(12*mib, 12)
	report, err := u.UploadBytes(context.Background(), "h264/clip.h264", data)
	require.NoError(t, err)

	assert.Equal(t, []string{"create", "part", "part", "part", "complete"}, store.ops())
	calls := store.partCalls()
	assert.Equal(t, []int64{5 * mib, 5 * mib, 2 * mib}, []int64{calls[0].Size, calls[1].Size, calls[2].Size})
	assert.Len(t, report.Parts, 3)
	assert.Equal(t, "upload-1", report.UploadID)

	got, _ := store.object("h264/clip.h264")
	assert.True(t, bytes.Equal(data, got))

	assert.Equal(t, []events.Type{
		events.TypeUploadStarted,
		events.TypeUploadSessionOpened,
		events.TypeUploadPart,
		events.TypeUploadPart,
		events.TypeUploadPart,
		events.TypeUploadCompleted,
	}, rec.Types())

	last, _ := rec.Last()
	assert.Equal(t, 3, last.Parts)
	assert.Equal(t, int64(12*mib), last.TotalBytes)
}

func TestUploadBytes_AbortOnPartFailure(t *testing.T) {
	partErr := errors.New("connection reset")

	for k := 1; k <= 4; k++ {
		t.Run(fmt.Sprintf("part %d", k), func(t *testing.T) {
			store := newMemStore()
			store.failPart[k] = partErr
			u, rec := newTestUploader(t, store, Options{})

			_, err := u.UploadBytes(context.Background(), "k", randomBytes(4*testThreshold+10, 3))
			require.Error(t, err)
			assert.ErrorIs(t, err, partErr)
			assert.NotErrorIs(t, err, ErrAbortFailed)

			var te *TransportError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, OpUploadPart, te.Op)
			assert.Equal(t, k, te.PartNumber)
			assert.Equal(t, "upload-1", te.UploadID)
			assert.Equal(t, CleanupAborted, te.Cleanup)

			assert.Equal(t, 1, store.count("abort"), "exactly one abort")
			assert.Equal(t, 0, store.count("complete"))
			assert.Len(t, store.partCalls(), k, "no part after the failing one is sent")

			types := rec.Types()
			assert.Equal(t, events.TypeUploadFailed, types[len(types)-1])
			last, _ := rec.Last()
			assert.Equal(t, "aborted", last.Cleanup)
			assert.Equal(t, k, last.PartNumber)
		})
	}
}

func TestUploadBytes_CompleteFailure(t *testing.T) {
	store := newMemStore()
	store.failComplete = errors.New("malformed xml")
	u, _ := newTestUploader(t, store, Options{})

	_, err := u.UploadBytes(context.Background(), "k", randomBytes(2500, 4))

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, OpCompleteMultipart, te.Op)
	assert.Equal(t, CleanupAborted, te.Cleanup)
	assert.Equal(t, []string{"create", "part", "part", "part", "complete", "abort"}, store.ops())
}

func TestUploadBytes_AbortFailure(t *testing.T) {
	partErr := errors.New("timeout")
	abortErr := errors.New("access denied")

	store := newMemStore()
	store.failPart[2] = partErr
	store.failAbort = abortErr
	u, rec := newTestUploader(t, store, Options{})

	_, err := u.UploadBytes(context.Background(), "k", randomBytes(3000, 5))
	require.Error(t, err)

	assert.ErrorIs(t, err, partErr, "primary cause is preserved")
	assert.ErrorIs(t, err, ErrAbortFailed)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CleanupAbortFailed, te.Cleanup)
	assert.Equal(t, abortErr, te.AbortErr)
	assert.Contains(t, err.Error(), "abort failed")
	assert.Equal(t, 1, store.count("abort"))

	last, _ := rec.Last()
	assert.Equal(t, "abort_failed", last.Cleanup)
}

func TestUploadBytes_CreateFailure(t *testing.T) {
	createErr := errors.New("no such bucket")
	store := newMemStore()
	store.failCreate = createErr
	u, rec := newTestUploader(t, store, Options{})

	_, err := u.UploadBytes(context.Background(), "k", randomBytes(2000, 6))
	assert.ErrorIs(t, err, createErr)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, OpCreateMultipart, te.Op)
	assert.Equal(t, CleanupNone, te.Cleanup)
	assert.Equal(t, []string{"create"}, store.ops())
	assert.Equal(t, []events.Type{events.TypeUploadStarted, events.TypeUploadFailed}, rec.Types())
}

func TestUploadBytes_PutFailure(t *testing.T) {
	putErr := errors.New("slow down")
	store := newMemStore()
	store.failPut = putErr
	u, _ := newTestUploader(t, store, Options{})

	_, err := u.UploadBytes(context.Background(), "k", []byte("small"))
	assert.ErrorIs(t, err, putErr)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, OpPutObject, te.Op)
	assert.Equal(t, CleanupNone, te.Cleanup)
	assert.Equal(t, 0, store.count("abort"))
}

func TestUploadBytes_EmptyKey(t *testing.T) {
	u, _ := newTestUploader(t, newMemStore(), Options{})
	_, err := u.UploadBytes(context.Background(), "", []byte("x"))
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestUploadBytes_CancelledContext(t *testing.T) {
	store := newMemStore()
	u, _ := newTestUploader(t, store, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := u.UploadBytes(ctx, "k", randomBytes(2500, 7))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, store.count("abort"), "abort still runs after cancellation")
	assert.Equal(t, 0, store.count("complete"))
}

func TestUploadBytes_DistinctUploadIDs(t *testing.T) {
	store := newMemStore()
	u, _ := newTestUploader(t, store, Options{})

	a, err := u.UploadBytes(context.Background(), "a", randomBytes(2500, 8))
	require.NoError(t, err)
	b, err := u.UploadBytes(context.Background(), "b", randomBytes(2500, 9))
	require.NoError(t, err)

	assert.NotEqual(t, a.UploadID, b.UploadID)
}

func TestUploadBytes_ConcurrentBoundsInFlight(t *testing.T) {
	store := newMemStore()
	store.partDelay = 20 * time.Millisecond
	u, rec := newTestUploader(t, store, Options{Concurrency: 3})

	data := randomBytes(10*testThreshold+123, 10)
	report, err := u.UploadBytes(context.Background(), "k", data)
	require.NoError(t, err)

	assert.LessOrEqual(t, store.maxInFlight, 3)
	assert.Greater(t, store.maxInFlight, 1)

	require.Len(t, report.Parts, 11)
	for i, p := range report.Parts {
		assert.Equal(t, i+1, p.PartNumber)
	}
	got, _ := store.object("k")
	assert.True(t, bytes.Equal(data, got))

	types := rec.Types()
	assert.Equal(t, events.TypeUploadStarted, types[0])
	assert.Equal(t, events.TypeUploadSessionOpened, types[1])
	assert.Equal(t, events.TypeUploadCompleted, types[len(types)-1])
	assert.Len(t, types, 14)
}

func TestUploadBytes_ConcurrentAbortOnce(t *testing.T) {
	partErr := errors.New("boom")
	store := newMemStore()
	store.partDelay = 5 * time.Millisecond
	store.failPart[4] = partErr
	u, _ := newTestUploader(t, store, Options{Concurrency: 4})

	_, err := u.UploadBytes(context.Background(), "k", randomBytes(20*testThreshold, 11))
	assert.ErrorIs(t, err, partErr)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 4, te.PartNumber)
	assert.Equal(t, CleanupAborted, te.Cleanup)

	assert.Equal(t, 1, store.count("abort"))
	assert.Equal(t, 0, store.count("complete"))
	assert.Less(t, len(store.partCalls()), 20, "dispatch stops after the failure")
}

func TestUploadBytes_ConcurrentNoDispatchAfterFailure(t *testing.T) {
	partErr := errors.New("boom")
	store := newMemStore()
	store.partDelay = 30 * time.Millisecond
	store.failPart[1] = partErr
	u, _ := newTestUploader(t, store, Options{Concurrency: 2})

	_, err := u.UploadBytes(context.Background(), "k", randomBytes(10*testThreshold, 12))
	assert.ErrorIs(t, err, partErr)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, te.PartNumber, "the first failure is reported")

	// Parts 1 and 2 were in flight when part 1 failed. Part 3 was already
	// read and waiting for a slot, and must never reach the store.
	var numbers []int
	for _, c := range store.partCalls() {
		numbers = append(numbers, c.PartNumber)
	}
	assert.Equal(t, []int{1, 2}, numbers)
	assert.Equal(t, 1, store.count("abort"))
	assert.Equal(t, 0, store.count("complete"))
}

// headerSnapshot builds a stream with SPS headers at 0, 100 and 250 and the
// write position at 400.
func headerSnapshot(t *testing.T, capacity int) (*ringbuf.Snapshot, []byte) {
	t.Helper()
	buf := ringbuf.New(ringbuf.Config{Capacity: capacity})
	stream := randomBytes(400, 42)
	require.NoError(t, buf.Append(stream[0:100], ringbuf.FrameTypeSPSHeader))
	require.NoError(t, buf.Append(stream[100:250], ringbuf.FrameTypeSPSHeader))
	require.NoError(t, buf.Append(stream[250:400], ringbuf.FrameTypeSPSHeader))
	return buf.Freeze(), stream
}

func TestUpload_FromEarliestHeader(t *testing.T) {
	tests := []struct {
		name       string
		capacity   int
		wantOffset int64
	}{
		{"nothing evicted", 1024, 0},
		{"first header evicted", 350, 100},
		{"two headers evicted", 200, 250},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, stream := headerSnapshot(t, tt.capacity)
			store := newMemStore()
			u, rec := newTestUploader(t, store, Options{MinPartSize: 64})

			report, err := u.Upload(context.Background(), "h264/x.h264", snap)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOffset, report.Offset)
			assert.Equal(t, int64(400)-tt.wantOffset, report.TotalBytes)

			got, _ := store.object("h264/x.h264")
			assert.Equal(t, stream[tt.wantOffset:], got)

			first := rec.Events()[0]
			assert.Equal(t, tt.wantOffset, first.Offset)
		})
	}
}

func TestUpload_NoHeader(t *testing.T) {
	build := func() (*ringbuf.Snapshot, []byte) {
		buf := ringbuf.New(ringbuf.Config{Capacity: 300})
		stream := randomBytes(500, 7)
		require.NoError(t, buf.Append(stream[:250], ringbuf.FrameTypeKeyFrame))
		require.NoError(t, buf.Append(stream[250:], ringbuf.FrameTypeFrame))
		return buf.Freeze(), stream
	}

	t.Run("fails by default", func(t *testing.T) {
		snap, _ := build()
		store := newMemStore()
		u, rec := newTestUploader(t, store, Options{})

		_, err := u.Upload(context.Background(), "k", snap)
		assert.ErrorIs(t, err, ErrNoResumableStart)
		assert.Empty(t, store.ops(), "nothing is sent")
		assert.Empty(t, rec.Events())
	})

	t.Run("fallback uploads from oldest byte", func(t *testing.T) {
		snap, stream := build()
		store := newMemStore()
		u, _ := newTestUploader(t, store, Options{FallbackToStart: true})

		report, err := u.Upload(context.Background(), "k", snap)
		require.NoError(t, err)
		assert.Equal(t, int64(200), report.Offset)

		got, _ := store.object("k")
		assert.Equal(t, stream[200:], got)
	})
}

func TestUpload_WithFileStore(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	u, _ := newTestUploader(t, store, Options{MinPartSize: 100})

	snap, stream := headerSnapshot(t, 1024)
	report, err := u.Upload(context.Background(), "h264/clip.h264", snap)
	require.NoError(t, err)
	assert.Len(t, report.Parts, 4)

	incomplete, err := store.ListIncomplete(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, incomplete)

	got, err := os.ReadFile(store.Location("h264/clip.h264"))
	require.NoError(t, err)
	assert.Equal(t, stream, got)
}

func TestTransportError_Error(t *testing.T) {
	te := &TransportError{
		Op:         OpUploadPart,
		Key:        "h264/x",
		UploadID:   "u1",
		PartNumber: 3,
		Err:        errors.New("reset"),
		Cleanup:    CleanupAborted,
	}
	assert.Equal(t, "upload_part h264/x part 3 (upload u1): reset; upload aborted", te.Error())

	single := &TransportError{Op: OpPutObject, Key: "jpg/a.jpg", Err: errors.New("denied")}
	assert.Equal(t, "put_object jpg/a.jpg: denied", single.Error())
	assert.False(t, errors.Is(single, ErrAbortFailed))
}

func TestCleanup_String(t *testing.T) {
	assert.Equal(t, "none", CleanupNone.String())
	assert.Equal(t, "aborted", CleanupAborted.String())
	assert.Equal(t, "abort_failed", CleanupAbortFailed.String())
	assert.Equal(t, "unknown", Cleanup(99).String())
}
