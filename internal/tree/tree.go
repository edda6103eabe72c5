// Package tree implements the directory tree: the inode table, parent/child
// ownership, and the readdir listing cache that sits between the FUSE
// adapter and the S3 bucket's flat key space.
package tree

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	"go.uber.org/zap"

	"github.com/s3fuse/s3fuse/internal/pool"
	"github.com/s3fuse/s3fuse/internal/s3http"
)

// Kind distinguishes the three entry types a bucket key can represent.
type Kind int

const (
	KindDirectory Kind = iota
	KindRegular
	KindSymlink
)

// RootID is the inode number the FUSE kernel module reserves for the
// mountpoint itself; every other inode is allocated from RootID+1 up.
const RootID = 1

var (
	ErrNotFound  = errors.New("tree: entry not found")
	ErrNotDir    = errors.New("tree: not a directory")
	ErrIsDir     = errors.New("tree: is a directory")
	ErrExists    = errors.New("tree: entry already exists")
	ErrNotEmpty  = errors.New("tree: directory not empty")
	ErrUnsupported = errors.New("tree: operation not supported")
)

// Dirent is one resolved entry in a directory's listing.
type Dirent struct {
	Name string
	Ino  uint64
	Kind Kind
}

// inode is the tree's internal bookkeeping record for one entry. Tree.mu
// guards every field; callers only ever see an *Inode copy made by snapshot().
type inode struct {
	id       uint64
	parentID uint64
	name     string
	fullPath string // S3 key; directories end in "/", "" for the root
	kind     Kind
	mode     os.FileMode
	size     uint64
	ctime    time.Time
	mtime    time.Time

	age        uint64 // last sweep age this entry was confirmed live at
	isModified bool   // protects an open-for-write file from the sweep
	removed    bool
	refs       uint64 // kernel lookup count, per ForgetInode

	etag      string
	versionID string
	symlink   string

	// directory-only
	children     map[string]uint64
	currentAge   uint64 // this directory's own sweep counter
	listing      []Dirent
	listingBuilt time.Time
	updating     bool
}

// Inode is the read-only snapshot handed to callers outside this package.
type Inode struct {
	ID        uint64
	ParentID  uint64
	Name      string
	FullPath  string
	Kind      Kind
	Mode      os.FileMode
	Size      uint64
	Ctime     time.Time
	Mtime     time.Time
	ETag      string
	VersionID string
	Symlink   string
}

func snapshot(in *inode) *Inode {
	return &Inode{
		ID: in.id, ParentID: in.parentID, Name: in.name, FullPath: in.fullPath,
		Kind: in.kind, Mode: in.mode, Size: in.size, Ctime: in.ctime, Mtime: in.mtime,
		ETag: in.etag, VersionID: in.versionID, Symlink: in.symlink,
	}
}

// Config carries the filesystem.* and s3.* knobs the tree needs.
type Config struct {
	Bucket          string
	DirCacheMaxTime time.Duration
	KeysPerRequest  int
	CheckEmptyFiles bool
}

// Tree owns the inode table for one mount.
type Tree struct {
	mu sync.Mutex

	cfg     Config
	engine  *s3http.Engine
	ops     *pool.Pool[*s3http.Connection]
	clock   timeutil.Clock
	logger  *zap.SugaredLogger

	byID   map[uint64]*inode
	nextID uint64
}

// New builds a Tree with just the root directory populated.
func New(cfg Config, engine *s3http.Engine, ops *pool.Pool[*s3http.Connection], clock timeutil.Clock, logger *zap.SugaredLogger) *Tree {
	root := &inode{
		id:       RootID,
		fullPath: "",
		kind:     KindDirectory,
		mode:     os.ModeDir | 0o755,
		ctime:    clock.Now(),
		mtime:    clock.Now(),
		children: make(map[string]uint64),
		refs:     1,
	}
	return &Tree{
		cfg: cfg, engine: engine, ops: ops, clock: clock, logger: logger,
		byID:   map[uint64]*inode{RootID: root},
		nextID: RootID + 1,
	}
}

func (t *Tree) allocID() uint64 {
	id := t.nextID
	t.nextID++
	return id
}

// GetAttr returns a snapshot of ino's current metadata.
func (t *Tree) GetAttr(ino uint64) (*Inode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	in, ok := t.byID[ino]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot(in), nil
}

// SetSize updates ino's cached size and mtime, as reported by the file I/O
// engine after a write or truncate, and marks it modified so a concurrent
// readdir sweep won't evict it mid-write.
func (t *Tree) SetSize(ino uint64, size uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	in, ok := t.byID[ino]
	if !ok {
		return ErrNotFound
	}
	in.size = size
	in.mtime = t.clock.Now()
	in.isModified = true
	return nil
}

// ClearModified drops the isModified guard once a write has been flushed to
// the backend and the entry's metadata has been refreshed from its response.
func (t *Tree) ClearModified(ino uint64, etag, versionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	in, ok := t.byID[ino]
	if !ok {
		return
	}
	in.isModified = false
	if etag != "" {
		in.etag = etag
	}
	if versionID != "" {
		in.versionID = versionID
	}
	in.mtime = t.clock.Now()
}

// IncRef bumps ino's kernel lookup count by one, used whenever the adapter
// hands a new reference to the kernel (lookup, mkdir, create, ...).
func (t *Tree) IncRef(ino uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if in, ok := t.byID[ino]; ok {
		in.refs++
	}
}

// Forget decrements ino's lookup count by n and deletes the entry once it
// reaches zero and has already been unlinked, mirroring lookupCount.Dec.
func (t *Tree) Forget(ino uint64, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	in, ok := t.byID[ino]
	if !ok {
		return
	}
	if n > in.refs {
		t.logger.Errorf("tree: forget count %d exceeds refs %d for inode %d", n, in.refs, ino)
		in.refs = 0
	} else {
		in.refs -= n
	}
	if in.refs == 0 && in.removed {
		delete(t.byID, ino)
	}
}

// Lookup resolves name under parentID, consulting the in-memory child map
// first and falling back to a HEAD probe (file, then directory marker) on a
// miss, per dir_tree_lookup.
func (t *Tree) Lookup(ctx context.Context, parentID uint64, name string) (*Inode, error) {
	t.mu.Lock()
	parent, ok := t.byID[parentID]
	if !ok || parent.kind != KindDirectory {
		t.mu.Unlock()
		return nil, ErrNotDir
	}
	if id, ok := parent.children[name]; ok {
		if in := t.byID[id]; in != nil && !in.removed {
			in.refs++
			snap := snapshot(in)
			t.mu.Unlock()
			return snap, nil
		}
	}
	t.mu.Unlock()

	return t.probeAndUpsert(ctx, parentID, name)
}

func (t *Tree) probeAndUpsert(ctx context.Context, parentID uint64, name string) (*Inode, error) {
	t.mu.Lock()
	parent := t.byID[parentID]
	fileKey := parent.fullPath + name
	t.mu.Unlock()

	if resp, err := t.head(ctx, fileKey); err == nil {
		size, mtime, etag, versionID := parseHeadResponse(resp.Header)
		if size == 0 && t.cfg.CheckEmptyFiles {
			if _, perr := t.confirmEmptyObject(ctx, fileKey); perr != nil {
				if isNotFound(perr) {
					return nil, ErrNotFound
				}
				return nil, perr
			}
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		parent := t.byID[parentID]
		in := t.upsertChildLocked(parent, name, KindRegular, size, mtime, etag, versionID)
		in.refs++
		return snapshot(in), nil
	} else if !isNotFound(err) {
		return nil, err
	}

	if resp, err := t.head(ctx, fileKey+"/"); err == nil {
		_, mtime, etag, versionID := parseHeadResponse(resp.Header)
		t.mu.Lock()
		defer t.mu.Unlock()
		parent := t.byID[parentID]
		in := t.upsertChildLocked(parent, name, KindDirectory, 0, mtime, etag, versionID)
		in.refs++
		return snapshot(in), nil
	} else if !isNotFound(err) {
		return nil, err
	}

	return nil, ErrNotFound
}

func (t *Tree) upsertChildLocked(parent *inode, name string, kind Kind, size uint64, mtime time.Time, etag, versionID string) *inode {
	fullPath := parent.fullPath + name
	if kind == KindDirectory {
		fullPath += "/"
	}
	if id, ok := parent.children[name]; ok {
		in := t.byID[id]
		in.size = size
		if !mtime.IsZero() {
			in.mtime = mtime
		}
		in.etag = etag
		in.versionID = versionID
		in.age = parent.currentAge
		in.removed = false
		return in
	}
	id := t.allocID()
	in := &inode{
		id: id, parentID: parent.id, name: name, fullPath: fullPath, kind: kind,
		size: size, ctime: mtime, mtime: mtime, age: parent.currentAge,
		etag: etag, versionID: versionID,
	}
	if kind == KindDirectory {
		in.mode = os.ModeDir | 0o755
		in.children = make(map[string]uint64)
	} else {
		in.mode = 0o644
	}
	t.byID[id] = in
	parent.children[name] = id
	return in
}

func (t *Tree) head(ctx context.Context, key string) (*s3http.Response, error) {
	conn, release, err := t.ops.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return t.engine.MakeRequest(ctx, conn, "/"+strings.TrimPrefix(key, "/"), http.MethodHead, nil, nil)
}

// confirmEmptyObject issues a GET range bytes=0-0 against key. Gated behind
// filesystem.check-empty-files, it's an extra round trip spent only on the
// zero-length case, to confirm a zero-length HEAD result is a real,
// retrievable object rather than a stale read racing a still-in-flight
// multipart completion.
func (t *Tree) confirmEmptyObject(ctx context.Context, key string) (*s3http.Response, error) {
	conn, release, err := t.ops.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	headers := s3http.Headers{{Key: "Range", Value: "bytes=0-0"}}
	return t.engine.MakeRequest(ctx, conn, "/"+strings.TrimPrefix(key, "/"), http.MethodGet, nil, headers)
}

func isNotFound(err error) bool {
	var s3err *s3http.Error
	return errors.As(err, &s3err) && s3err.Kind == s3http.KindNotFound
}

func parseHeadResponse(h http.Header) (size uint64, mtime time.Time, etag, versionID string) {
	if cl := h.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseUint(cl, 10, 64); err == nil {
			size = n
		}
	}
	if lm := h.Get("Last-Modified"); lm != "" {
		if parsed, err := http.ParseTime(lm); err == nil {
			mtime = parsed
		}
	}
	etag = strings.Trim(h.Get("ETag"), `"`)
	versionID = h.Get("x-amz-version-id")
	return
}

// sortedListing renders a directory's children as a stable-ordered slice,
// "." and ".." first.
func sortedListing(byID map[uint64]*inode, in *inode) []Dirent {
	parentID := in.parentID
	if in.id == RootID {
		parentID = RootID
	}
	out := make([]Dirent, 0, len(in.children)+2)
	out = append(out, Dirent{Name: ".", Ino: in.id, Kind: KindDirectory})
	out = append(out, Dirent{Name: "..", Ino: parentID, Kind: KindDirectory})

	names := make([]string, 0, len(in.children))
	for name := range in.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		child := byID[in.children[name]]
		if child == nil || child.removed {
			continue
		}
		out = append(out, Dirent{Name: name, Ino: child.id, Kind: child.kind})
	}
	return out
}

func buildQuery(prefix, marker string, maxKeys int) string {
	v := url.Values{}
	v.Set("delimiter", "/")
	v.Set("prefix", prefix)
	if marker != "" {
		v.Set("marker", marker)
	}
	if maxKeys > 0 {
		v.Set("max-keys", strconv.Itoa(maxKeys))
	}
	return "?" + v.Encode()
}

// buildPrefixQuery is buildQuery without a delimiter: a flat listing of
// every key under prefix, recursing into nested "directories" instead of
// stopping at the next "/", for RemoveDir's list-then-drain sweep.
func buildPrefixQuery(prefix, marker string, maxKeys int) string {
	v := url.Values{}
	v.Set("prefix", prefix)
	if marker != "" {
		v.Set("marker", marker)
	}
	if maxKeys > 0 {
		v.Set("max-keys", strconv.Itoa(maxKeys))
	}
	return "?" + v.Encode()
}

func (t *Tree) String() string {
	return fmt.Sprintf("tree(bucket=%s)", t.cfg.Bucket)
}
