package tree

import (
	"context"
	"net/http"
	"strings"

	"github.com/s3fuse/s3fuse/internal/s3http"
)

// ReadDir returns ino's current listing, rebuilding it from the bucket when
// the cached copy has aged past DirCacheMaxTime.
func (t *Tree) ReadDir(ctx context.Context, ino uint64) ([]Dirent, error) {
	t.mu.Lock()
	in, ok := t.byID[ino]
	if !ok || in.removed {
		t.mu.Unlock()
		return nil, ErrNotFound
	}
	if in.kind != KindDirectory {
		t.mu.Unlock()
		return nil, ErrNotDir
	}
	if in.listing != nil && t.clock.Now().Sub(in.listingBuilt) < t.cfg.DirCacheMaxTime {
		listing := in.listing
		t.mu.Unlock()
		return listing, nil
	}
	t.mu.Unlock()

	if err := t.refreshDir(ctx, ino); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	in = t.byID[ino]
	if in == nil {
		return nil, ErrNotFound
	}
	return in.listing, nil
}

// refreshDir implements dir_tree_start_update / dir_tree_update_entry /
// dir_tree_stop_update: bump the directory's age, page through the bucket
// listing upserting every child at the new age, then sweep away children
// that weren't reaffirmed (and aren't mid-write or actively referenced).
func (t *Tree) refreshDir(ctx context.Context, ino uint64) error {
	t.mu.Lock()
	in, ok := t.byID[ino]
	if !ok || in.kind != KindDirectory {
		t.mu.Unlock()
		if !ok {
			return ErrNotFound
		}
		return ErrNotDir
	}
	in.currentAge++
	age := in.currentAge
	prefix := in.fullPath
	in.updating = true
	t.mu.Unlock()

	marker := ""
	for {
		resp, err := t.listObjects(ctx, prefix, marker)
		if err != nil {
			t.mu.Lock()
			in.updating = false
			t.mu.Unlock()
			return err
		}

		t.mu.Lock()
		in = t.byID[ino]
		if in == nil {
			t.mu.Unlock()
			return ErrNotFound
		}
		for _, cp := range resp.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(cp.Prefix, prefix), "/")
			if name == "" {
				continue
			}
			t.upsertChildLocked(in, name, KindDirectory, 0, in.mtime, "", "")
		}
		for _, obj := range resp.Contents {
			name := strings.TrimPrefix(obj.Key, prefix)
			if name == "" || strings.HasSuffix(name, "/") {
				continue // the directory's own marker object, or a nested key
			}
			mtime, _ := http.ParseTime(obj.LastModified)
			t.upsertChildLocked(in, name, KindRegular, uint64(obj.Size), mtime, strings.Trim(obj.ETag, `"`), obj.VersionID)
		}
		truncated := resp.IsTruncated
		marker = resp.NextMarker
		if truncated && marker == "" && len(resp.Contents) > 0 {
			marker = resp.Contents[len(resp.Contents)-1].Key
		}
		t.mu.Unlock()

		if !truncated {
			break
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	in = t.byID[ino]
	if in == nil {
		return ErrNotFound
	}
	in.updating = false
	for name, id := range in.children {
		child := t.byID[id]
		if child == nil {
			delete(in.children, name)
			continue
		}
		if child.age < age && !child.isModified && child.refs == 0 {
			delete(in.children, name)
			delete(t.byID, id)
		}
	}
	in.listing = sortedListing(t.byID, in)
	in.listingBuilt = t.clock.Now()
	return nil
}

func (t *Tree) listObjects(ctx context.Context, prefix, marker string) (*s3http.ListBucketResult, error) {
	conn, release, err := t.ops.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	query := buildQuery(prefix, marker, t.cfg.KeysPerRequest)
	resp, err := t.engine.MakeRequest(ctx, conn, query, http.MethodGet, nil, nil)
	if err != nil {
		return nil, err
	}
	return s3http.ParseListBucketResult(resp.Body)
}
