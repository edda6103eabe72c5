package fileio

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/s3fuse/s3fuse/internal/cache"
	"github.com/s3fuse/s3fuse/internal/pool"
	"github.com/s3fuse/s3fuse/internal/s3http"
)

// fakeS3 is a minimal in-memory backend supporting the subset of the wire
// protocol fileio drives: HEAD, whole-object PUT/GET, multipart init/part/
// complete, and Range reads.
type fakeS3 struct {
	mu          sync.Mutex
	objects     map[string][]byte
	uploadParts map[string]map[int][]byte // uploadID -> partNumber -> body
	nextUpload  int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), uploadParts: make(map[string]map[int][]byte)}
}

func (f *fakeS3) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/mybucket")
		q := r.URL.Query()
		body, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && q.Has("uploads"):
			f.nextUpload++
			id := fmt.Sprintf("upload-%d", f.nextUpload)
			f.uploadParts[id] = make(map[int][]byte)
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`<InitiateMultipartUploadResult><UploadId>` + id + `</UploadId></InitiateMultipartUploadResult>`))

		case r.Method == http.MethodPut && q.Get("uploadId") != "":
			n := 0
			fmt.Sscanf(q.Get("partNumber"), "%d", &n)
			parts := f.uploadParts[q.Get("uploadId")]
			if parts == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			parts[n] = body
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodPost && q.Get("uploadId") != "":
			parts := f.uploadParts[q.Get("uploadId")]
			var full []byte
			for i := 1; i <= len(parts); i++ {
				full = append(full, parts[i]...)
			}
			f.objects[key] = full
			delete(f.uploadParts, q.Get("uploadId"))
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodPut:
			f.objects[key] = body
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodHead:
			obj, ok := f.objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(obj)))
			w.Header().Set("ETag", `"etag-1"`)
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodGet:
			obj, ok := f.objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("ETag", `"etag-1"`)
			if rng := r.Header.Get("Range"); rng != "" {
				var start, end int
				fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
				if end >= len(obj) {
					end = len(obj) - 1
				}
				w.WriteHeader(http.StatusPartialContent)
				_, _ = w.Write(obj[start : end+1])
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(obj)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func newTestContext(t *testing.T, backend *fakeS3, key string, ino uint64, assumeNew bool, partSize uint64) (*Context, func()) {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	engine := s3http.New(s3http.Config{
		Bucket: "mybucket", AccessKeyID: "AKID", SecretAccessKey: "secret",
		PathStyle: true, Host: u.Host, MaxRedirects: 5,
	}, zap.NewNop().Sugar())

	newPool := func() (*pool.Pool[*s3http.Connection], error) {
		return pool.New(2, func() (*s3http.Connection, error) {
			return s3http.NewConnection(u.Host, 5*time.Second), nil
		}, func(c *s3http.Connection) { c.Close() }, nil, 16)
	}
	writers, err := newPool()
	require.NoError(t, err)
	readers, err := newPool()
	require.NoError(t, err)

	cacheMgr, err := cache.New(cache.Config{Dir: t.TempDir(), MaxSize: 1 << 20}, timeutil.RealClock(), zap.NewNop().Sugar())
	require.NoError(t, err)

	ctx := New(key, ino, assumeNew, Config{PartSize: partSize, StorageType: "STANDARD", MD5Enabled: true}, engine, writers, readers, cacheMgr, zap.NewNop().Sugar())
	cleanup := func() {
		writers.Close()
		readers.Close()
		_ = cacheMgr.Close()
		srv.Close()
	}
	return ctx, cleanup
}

func TestWriteSmallFileSinglePutsOnRelease(t *testing.T) {
	backend := newFakeS3()
	ctx, cleanup := newTestContext(t, backend, "/small.txt", 1, false, 1<<20)
	defer cleanup()

	n, err := ctx.Write(context.Background(), 0, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	require.NoError(t, ctx.Release(context.Background()))

	backend.mu.Lock()
	obj := backend.objects["/small.txt"]
	backend.mu.Unlock()
	require.Equal(t, "hello", string(obj))
}

func TestWriteRejectsNonSequentialOffset(t *testing.T) {
	backend := newFakeS3()
	ctx, cleanup := newTestContext(t, backend, "/f.txt", 1, false, 1<<20)
	defer cleanup()

	_, err := ctx.Write(context.Background(), 0, []byte("abc"))
	require.NoError(t, err)

	_, err = ctx.Write(context.Background(), 10, []byte("xyz"))
	require.ErrorIs(t, err, ErrNonSequentialWrite)
}

func TestWriteExceedingPartSizeGoesMultipart(t *testing.T) {
	backend := newFakeS3()
	ctx, cleanup := newTestContext(t, backend, "/big.txt", 1, false, 4)
	defer cleanup()

	_, err := ctx.Write(context.Background(), 0, []byte("abcdef")) // exceeds part size 4
	require.NoError(t, err)
	_, err = ctx.Write(context.Background(), 6, []byte("gh"))
	require.NoError(t, err)

	require.NoError(t, ctx.Release(context.Background()))

	backend.mu.Lock()
	obj := backend.objects["/big.txt"]
	backend.mu.Unlock()
	require.Equal(t, "abcdefgh", string(obj))
}

func TestWholeMD5CoversEveryPartOfAMultipartUpload(t *testing.T) {
	backend := newFakeS3()
	ctx, cleanup := newTestContext(t, backend, "/big.txt", 1, false, 4)
	defer cleanup()

	_, err := ctx.Write(context.Background(), 0, []byte("abcdef")) // exceeds part size 4, ships one part
	require.NoError(t, err)
	_, err = ctx.Write(context.Background(), 6, []byte("gh"))
	require.NoError(t, err)
	require.NoError(t, ctx.Release(context.Background()))

	got, ok := ctx.WholeMD5()
	require.True(t, ok)

	want := md5.Sum([]byte("abcdefgh"))
	require.Equal(t, hex.EncodeToString(want[:]), got, "whole-object MD5 must cover every byte written, not just the last part")
}

func TestReleaseOfEmptyAssumedNewFilePutsEmptyObject(t *testing.T) {
	backend := newFakeS3()
	ctx, cleanup := newTestContext(t, backend, "/empty.txt", 1, true, 1<<20)
	defer cleanup()

	require.NoError(t, ctx.Release(context.Background()))

	backend.mu.Lock()
	obj, ok := backend.objects["/empty.txt"]
	backend.mu.Unlock()
	require.True(t, ok)
	require.Empty(t, obj)
}

func TestReadServesFromCacheOnSecondCall(t *testing.T) {
	backend := newFakeS3()
	backend.objects["/r.txt"] = []byte("0123456789")
	ctx, cleanup := newTestContext(t, backend, "/r.txt", 1, false, 1<<20)
	defer cleanup()

	buf, err := ctx.Read(context.Background(), 0, 5)
	require.NoError(t, err)
	require.Equal(t, "01234", string(buf))

	backend.mu.Lock()
	backend.objects["/r.txt"] = []byte("XXXXXXXXXX")
	backend.mu.Unlock()

	buf, err = ctx.Read(context.Background(), 0, 5)
	require.NoError(t, err)
	require.Equal(t, "01234", string(buf), "second read must be served from cache, not re-fetched")
}

func TestReadBeyondEOFReturnsEmpty(t *testing.T) {
	backend := newFakeS3()
	backend.objects["/r2.txt"] = []byte("hi")
	ctx, cleanup := newTestContext(t, backend, "/r2.txt", 1, false, 1<<20)
	defer cleanup()

	buf, err := ctx.Read(context.Background(), 100, 5)
	require.NoError(t, err)
	require.Empty(t, buf)
}
