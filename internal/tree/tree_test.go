package tree

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/s3fuse/s3fuse/internal/pool"
	"github.com/s3fuse/s3fuse/internal/s3http"
)

// fakeBucket is a minimal in-memory S3 object store good enough to drive
// the tree's HEAD/GET-listing/PUT/DELETE traffic in tests.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]string
	// onGet, if set, runs once before a non-listing GET is served - used to
	// simulate an object disappearing between an earlier HEAD and a
	// check-empty-files confirmation GET.
	onGet func()
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string]string)}
}

func (b *fakeBucket) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/mybucket")
		key = strings.TrimPrefix(key, "/")

		b.mu.Lock()
		defer b.mu.Unlock()

		switch r.Method {
		case http.MethodPut:
			body := make([]byte, r.ContentLength)
			if r.ContentLength > 0 {
				_, _ = r.Body.Read(body)
			}
			b.objects[key] = string(body)
			w.WriteHeader(http.StatusOK)

		case http.MethodDelete:
			delete(b.objects, key)
			w.WriteHeader(http.StatusNoContent)

		case http.MethodHead:
			body, ok := b.objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.Header().Set("ETag", `"abc"`)
			w.Header().Set("Last-Modified", time.Unix(0, 0).UTC().Format(http.TimeFormat))
			w.WriteHeader(http.StatusOK)

		case http.MethodGet:
			q := r.URL.Query()
			if key == "" {
				b.serveListing(w, q.Get("prefix"), q.Get("delimiter"))
				return
			}
			if b.onGet != nil {
				onGet := b.onGet
				b.onGet = nil
				onGet()
			}
			body, ok := b.objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("ETag", `"abc"`)
			if r.Header.Get("Range") != "" {
				w.WriteHeader(http.StatusPartialContent)
				if len(body) > 0 {
					_, _ = w.Write([]byte(body[:1]))
				}
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(body))

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func (b *fakeBucket) serveListing(w http.ResponseWriter, prefix, delimiter string) {
	seenDirs := map[string]bool{}
	var contents []string
	for key := range b.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if rest == "" {
			continue
		}
		if delimiter != "" {
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				seenDirs[prefix+rest[:idx+1]] = true
				continue
			}
		}
		contents = append(contents, key)
	}
	sort.Strings(contents)

	var dirs []string
	for d := range seenDirs {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	var sb strings.Builder
	sb.WriteString(`<ListBucketResult>`)
	sb.WriteString(`<IsTruncated>false</IsTruncated>`)
	for _, d := range dirs {
		sb.WriteString(fmt.Sprintf(`<CommonPrefixes><Prefix>%s</Prefix></CommonPrefixes>`, d))
	}
	for _, key := range contents {
		body := b.objects[key]
		sb.WriteString(fmt.Sprintf(`<Contents><Key>%s</Key><Size>%d</Size><ETag>&quot;abc&quot;</ETag><LastModified>%s</LastModified></Contents>`,
			key, len(body), time.Unix(0, 0).UTC().Format(time.RFC3339)))
	}
	sb.WriteString(`</ListBucketResult>`)
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

func newTestTree(t *testing.T, bucket *fakeBucket) (*Tree, func()) {
	t.Helper()
	srv := httptest.NewServer(bucket.handler())
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	engine := s3http.New(s3http.Config{
		Bucket: "mybucket", AccessKeyID: "AKID", SecretAccessKey: "secret",
		PathStyle: true, Host: u.Host, MaxRedirects: 5,
	}, zap.NewNop().Sugar())

	opsPool, err := pool.New(2, func() (*s3http.Connection, error) {
		return s3http.NewConnection(u.Host, 5*time.Second), nil
	}, func(c *s3http.Connection) { c.Close() }, nil, 16)
	require.NoError(t, err)

	tr := New(Config{
		Bucket: "mybucket", DirCacheMaxTime: 50 * time.Millisecond, KeysPerRequest: 1000,
	}, engine, opsPool, timeutil.RealClock(), zap.NewNop().Sugar())

	return tr, func() { opsPool.Close(); srv.Close() }
}

func TestLookupFallsBackToHeadOnMiss(t *testing.T) {
	bucket := newFakeBucket()
	bucket.objects["hello.txt"] = "hi"
	tr, cleanup := newTestTree(t, bucket)
	defer cleanup()

	in, err := tr.Lookup(context.Background(), RootID, "hello.txt")
	require.NoError(t, err)
	require.Equal(t, KindRegular, in.Kind)
	require.Equal(t, uint64(2), in.Size)
}

func TestLookupWithCheckEmptyFilesConfirmsZeroLengthObject(t *testing.T) {
	bucket := newFakeBucket()
	bucket.objects["empty.txt"] = ""
	tr, cleanup := newTestTree(t, bucket)
	defer cleanup()
	tr.cfg.CheckEmptyFiles = true

	in, err := tr.Lookup(context.Background(), RootID, "empty.txt")
	require.NoError(t, err)
	require.Equal(t, KindRegular, in.Kind)
	require.Zero(t, in.Size)
}

func TestLookupWithCheckEmptyFilesRejectsGoneObject(t *testing.T) {
	bucket := newFakeBucket()
	// A HEAD that races a deletion: size reports 0, but the object is
	// gone by the time the confirmation GET lands.
	bucket.objects["vanishing.txt"] = ""
	tr, cleanup := newTestTree(t, bucket)
	defer cleanup()
	tr.cfg.CheckEmptyFiles = true
	bucket.onGet = func() { delete(bucket.objects, "vanishing.txt") }

	_, err := tr.Lookup(context.Background(), RootID, "vanishing.txt")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLookupMissingReturnsNotFound(t *testing.T) {
	tr, cleanup := newTestTree(t, newFakeBucket())
	defer cleanup()

	_, err := tr.Lookup(context.Background(), RootID, "nope.txt")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReadDirListsFilesAndDirectories(t *testing.T) {
	bucket := newFakeBucket()
	bucket.objects["a.txt"] = "aaa"
	bucket.objects["sub/"] = ""
	bucket.objects["sub/b.txt"] = "bb"
	tr, cleanup := newTestTree(t, bucket)
	defer cleanup()

	entries, err := tr.ReadDir(context.Background(), RootID)
	require.NoError(t, err)

	names := map[string]Kind{}
	for _, e := range entries {
		names[e.Name] = e.Kind
	}
	require.Contains(t, names, ".")
	require.Contains(t, names, "..")
	require.Equal(t, KindRegular, names["a.txt"])
	require.Equal(t, KindDirectory, names["sub"])
}

func TestReadDirCachesWithinTTL(t *testing.T) {
	bucket := newFakeBucket()
	bucket.objects["a.txt"] = "aaa"
	tr, cleanup := newTestTree(t, bucket)
	defer cleanup()

	_, err := tr.ReadDir(context.Background(), RootID)
	require.NoError(t, err)

	bucket.mu.Lock()
	bucket.objects["b.txt"] = "bbb"
	bucket.mu.Unlock()

	entries, err := tr.ReadDir(context.Background(), RootID)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotEqual(t, "b.txt", e.Name)
	}

	time.Sleep(60 * time.Millisecond)
	entries, err = tr.ReadDir(context.Background(), RootID)
	require.NoError(t, err)
	var sawB bool
	for _, e := range entries {
		if e.Name == "b.txt" {
			sawB = true
		}
	}
	require.True(t, sawB)
}

func TestCreateFileThenLookupSeesLocalEntry(t *testing.T) {
	tr, cleanup := newTestTree(t, newFakeBucket())
	defer cleanup()

	created, err := tr.CreateFile(RootID, "new.txt", 0o644)
	require.NoError(t, err)

	in, err := tr.Lookup(context.Background(), RootID, "new.txt")
	require.NoError(t, err)
	require.Equal(t, created.ID, in.ID)
}

func TestCreateFileRejectsDuplicate(t *testing.T) {
	tr, cleanup := newTestTree(t, newFakeBucket())
	defer cleanup()

	_, err := tr.CreateFile(RootID, "dup.txt", 0o644)
	require.NoError(t, err)
	_, err = tr.CreateFile(RootID, "dup.txt", 0o644)
	require.ErrorIs(t, err, ErrExists)
}

func TestMkDirCreatesMarkerAndEntry(t *testing.T) {
	bucket := newFakeBucket()
	tr, cleanup := newTestTree(t, bucket)
	defer cleanup()

	in, err := tr.MkDir(context.Background(), RootID, "sub", 0o755)
	require.NoError(t, err)
	require.Equal(t, KindDirectory, in.Kind)

	bucket.mu.Lock()
	_, exists := bucket.objects["sub/"]
	bucket.mu.Unlock()
	require.True(t, exists)
}

func TestRemoveFileDeletesBackendObject(t *testing.T) {
	bucket := newFakeBucket()
	bucket.objects["doomed.txt"] = "x"
	tr, cleanup := newTestTree(t, bucket)
	defer cleanup()

	_, err := tr.Lookup(context.Background(), RootID, "doomed.txt")
	require.NoError(t, err)

	err = tr.RemoveFile(context.Background(), RootID, "doomed.txt")
	require.NoError(t, err)

	bucket.mu.Lock()
	_, exists := bucket.objects["doomed.txt"]
	bucket.mu.Unlock()
	require.False(t, exists)

	_, err = tr.Lookup(context.Background(), RootID, "doomed.txt")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveDirDeletesEveryObjectUnderPrefix(t *testing.T) {
	bucket := newFakeBucket()
	bucket.objects["sub/"] = ""
	bucket.objects["sub/child.txt"] = "x"
	bucket.objects["sub/nested/"] = ""
	bucket.objects["sub/nested/grandchild.txt"] = "y"
	bucket.objects["other.txt"] = "untouched"
	tr, cleanup := newTestTree(t, bucket)
	defer cleanup()

	_, err := tr.ReadDir(context.Background(), RootID)
	require.NoError(t, err)

	err = tr.RemoveDir(context.Background(), RootID, "sub")
	require.NoError(t, err)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	for key := range bucket.objects {
		require.False(t, strings.HasPrefix(key, "sub/"), "leftover key %q under removed prefix", key)
	}
	_, ok := bucket.objects["other.txt"]
	require.True(t, ok, "key outside the removed prefix must survive")
}

func TestForgetDeletesAfterUnlinkOnceUnreferenced(t *testing.T) {
	bucket := newFakeBucket()
	bucket.objects["f.txt"] = "x"
	tr, cleanup := newTestTree(t, bucket)
	defer cleanup()

	in, err := tr.Lookup(context.Background(), RootID, "f.txt")
	require.NoError(t, err)

	require.NoError(t, tr.RemoveFile(context.Background(), RootID, "f.txt"))

	_, err = tr.GetAttr(in.ID)
	require.NoError(t, err, "tombstoned entry stays resolvable while referenced")

	tr.Forget(in.ID, 1)
	_, err = tr.GetAttr(in.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRenameMovesFileAcrossDirectories(t *testing.T) {
	bucket := newFakeBucket()
	bucket.objects["src.txt"] = "payload"
	tr, cleanup := newTestTree(t, bucket)
	defer cleanup()

	_, err := tr.Lookup(context.Background(), RootID, "src.txt")
	require.NoError(t, err)

	destDir, err := tr.MkDir(context.Background(), RootID, "dest", 0o755)
	require.NoError(t, err)

	require.NoError(t, tr.Rename(context.Background(), RootID, "src.txt", destDir.ID, "moved.txt"))

	bucket.mu.Lock()
	_, srcExists := bucket.objects["src.txt"]
	_, dstExists := bucket.objects["dest/moved.txt"]
	bucket.mu.Unlock()
	require.False(t, srcExists)
	require.True(t, dstExists)

	_, err = tr.Lookup(context.Background(), destDir.ID, "moved.txt")
	require.NoError(t, err)
}

func TestCreateSymlinkStoresTargetAsBody(t *testing.T) {
	bucket := newFakeBucket()
	tr, cleanup := newTestTree(t, bucket)
	defer cleanup()

	in, err := tr.CreateSymlink(context.Background(), RootID, "link", "target.txt")
	require.NoError(t, err)
	require.Equal(t, KindSymlink, in.Kind)
	require.Equal(t, "target.txt", in.Symlink)

	bucket.mu.Lock()
	body := bucket.objects["link"]
	bucket.mu.Unlock()
	require.Equal(t, "target.txt", body)
}
