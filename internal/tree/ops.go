package tree

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/s3fuse/s3fuse/internal/s3http"
)

// CreateFile allocates a new, empty regular-file entry under parentID. The
// backend object is created lazily by the file I/O engine on first flush;
// the tree only needs to reserve the name so a concurrent lookup sees it.
func (t *Tree) CreateFile(parentID uint64, name string, mode os.FileMode) (*Inode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, ok := t.byID[parentID]
	if !ok || parent.kind != KindDirectory {
		return nil, ErrNotDir
	}
	if id, exists := parent.children[name]; exists {
		if existing := t.byID[id]; existing != nil && !existing.removed {
			return nil, ErrExists
		}
	}

	id := t.allocID()
	now := t.clock.Now()
	in := &inode{
		id: id, parentID: parentID, name: name, fullPath: parent.fullPath + name,
		kind: KindRegular, mode: mode, ctime: now, mtime: now,
		age: parent.currentAge, isModified: true, refs: 1,
	}
	t.byID[id] = in
	parent.children[name] = id
	if parent.listing != nil {
		parent.listing = append(parent.listing, Dirent{Name: name, Ino: id, Kind: KindRegular})
	}
	return snapshot(in), nil
}

// MkDir creates a directory entry and, synchronously, its empty marker
// object in the bucket (the convention this filesystem uses so an empty
// "directory" is independently listable and survives a remount).
func (t *Tree) MkDir(ctx context.Context, parentID uint64, name string, mode os.FileMode) (*Inode, error) {
	t.mu.Lock()
	parent, ok := t.byID[parentID]
	if !ok || parent.kind != KindDirectory {
		t.mu.Unlock()
		return nil, ErrNotDir
	}
	if id, exists := parent.children[name]; exists {
		if existing := t.byID[id]; existing != nil && !existing.removed {
			t.mu.Unlock()
			return nil, ErrExists
		}
	}
	key := parent.fullPath + name + "/"
	t.mu.Unlock()

	if err := t.putEmpty(ctx, key); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	parent = t.byID[parentID]
	id := t.allocID()
	now := t.clock.Now()
	in := &inode{
		id: id, parentID: parentID, name: name, fullPath: key,
		kind: KindDirectory, mode: os.ModeDir | mode, ctime: now, mtime: now,
		age: parent.currentAge, children: make(map[string]uint64), refs: 1,
	}
	t.byID[id] = in
	parent.children[name] = id
	parent.listing = nil // force a rebuild so "." / ".." stay consistent
	return snapshot(in), nil
}

// RemoveFile deletes a regular-file entry: the backend object first, then
// the tree entry. If the entry is still referenced by an open handle it is
// tombstoned instead of deleted outright, per Forget's contract.
func (t *Tree) RemoveFile(ctx context.Context, parentID uint64, name string) error {
	t.mu.Lock()
	parent, ok := t.byID[parentID]
	if !ok || parent.kind != KindDirectory {
		t.mu.Unlock()
		return ErrNotDir
	}
	id, exists := parent.children[name]
	if !exists {
		t.mu.Unlock()
		return ErrNotFound
	}
	child := t.byID[id]
	if child.kind != KindRegular {
		t.mu.Unlock()
		return ErrIsDir
	}
	key := child.fullPath
	t.mu.Unlock()

	if err := t.delete(ctx, key); err != nil && !isNotFound(err) {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	parent = t.byID[parentID]
	delete(parent.children, name)
	parent.listing = nil
	if child.refs == 0 {
		delete(t.byID, id)
	} else {
		child.removed = true
	}
	return nil
}

// RemoveDir deletes a directory by listing its full key prefix and
// DELETE-ing every returned key one at a time on a single connection,
// succeeding only once that queue fully drains, per
// dir_tree_dir_remove/dir_tree_dir_remove_on_con_objects_cb/
// dir_tree_dir_remove_try_to_remove_object.
func (t *Tree) RemoveDir(ctx context.Context, parentID uint64, name string) error {
	t.mu.Lock()
	parent, ok := t.byID[parentID]
	if !ok || parent.kind != KindDirectory {
		t.mu.Unlock()
		return ErrNotDir
	}
	id, exists := parent.children[name]
	if !exists {
		t.mu.Unlock()
		return ErrNotFound
	}
	child := t.byID[id]
	if child.kind != KindDirectory {
		t.mu.Unlock()
		return ErrNotDir
	}
	prefix := child.fullPath
	t.mu.Unlock()

	if err := t.removeObjectsUnderPrefix(ctx, prefix); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	parent = t.byID[parentID]
	child = t.byID[id]
	delete(parent.children, name)
	parent.listing = nil
	if child.refs == 0 {
		delete(t.byID, id)
	} else {
		child.removed = true
	}
	return nil
}

// removeObjectsUnderPrefix pages through every key under prefix (a flat,
// non-delimited listing so nested keys are swept up too), builds the queue
// of keys to remove, and DELETEs them one at a time on a single acquired
// connection before releasing it.
func (t *Tree) removeObjectsUnderPrefix(ctx context.Context, prefix string) error {
	conn, release, err := t.ops.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	var queue []string
	marker := ""
	for {
		query := buildPrefixQuery(prefix, marker, t.cfg.KeysPerRequest)
		resp, err := t.engine.MakeRequest(ctx, conn, query, http.MethodGet, nil, nil)
		if err != nil {
			return err
		}
		result, err := s3http.ParseListBucketResult(resp.Body)
		if err != nil {
			return err
		}
		for _, obj := range result.Contents {
			queue = append(queue, obj.Key)
		}
		if !result.IsTruncated {
			break
		}
		marker = result.NextMarker
		if marker == "" && len(result.Contents) > 0 {
			marker = result.Contents[len(result.Contents)-1].Key
		}
		if marker == "" {
			break
		}
	}

	for len(queue) > 0 {
		key := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if _, err := t.engine.MakeRequest(ctx, conn, "/"+strings.TrimPrefix(key, "/"), http.MethodDelete, nil, nil); err != nil && !isNotFound(err) {
			return err
		}
	}
	return nil
}

// CreateSymlink creates a symlink entry, encoding the target in the object
// body: this filesystem stores it as the literal object content, matching
// how it stores a regular file's bytes.
func (t *Tree) CreateSymlink(ctx context.Context, parentID uint64, name, target string) (*Inode, error) {
	t.mu.Lock()
	parent, ok := t.byID[parentID]
	if !ok || parent.kind != KindDirectory {
		t.mu.Unlock()
		return nil, ErrNotDir
	}
	if id, exists := parent.children[name]; exists {
		if existing := t.byID[id]; existing != nil && !existing.removed {
			t.mu.Unlock()
			return nil, ErrExists
		}
	}
	key := parent.fullPath + name
	t.mu.Unlock()

	if err := t.putBody(ctx, key, []byte(target)); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	parent = t.byID[parentID]
	id := t.allocID()
	now := t.clock.Now()
	in := &inode{
		id: id, parentID: parentID, name: name, fullPath: key,
		kind: KindSymlink, mode: os.ModeSymlink | 0o777, ctime: now, mtime: now,
		age: parent.currentAge, symlink: target, size: uint64(len(target)), refs: 1,
	}
	t.byID[id] = in
	parent.children[name] = id
	parent.listing = nil
	return snapshot(in), nil
}

// Rename moves a regular file between directories via a server-side copy
// followed by a delete of the source key; S3 has no atomic rename. Renaming
// a directory is declined (see DESIGN.md rename open question).
func (t *Tree) Rename(ctx context.Context, oldParentID uint64, oldName string, newParentID uint64, newName string) error {
	t.mu.Lock()
	oldParent, ok := t.byID[oldParentID]
	if !ok || oldParent.kind != KindDirectory {
		t.mu.Unlock()
		return ErrNotDir
	}
	id, exists := oldParent.children[oldName]
	if !exists {
		t.mu.Unlock()
		return ErrNotFound
	}
	child := t.byID[id]
	if child.kind == KindDirectory {
		t.mu.Unlock()
		return ErrUnsupported
	}
	newParent, ok := t.byID[newParentID]
	if !ok || newParent.kind != KindDirectory {
		t.mu.Unlock()
		return ErrNotDir
	}
	srcKey, dstKey := child.fullPath, newParent.fullPath+newName
	t.mu.Unlock()

	if err := t.copy(ctx, srcKey, dstKey); err != nil {
		return err
	}
	if err := t.delete(ctx, srcKey); err != nil && !isNotFound(err) {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	oldParent = t.byID[oldParentID]
	newParent = t.byID[newParentID]
	child = t.byID[id]
	delete(oldParent.children, oldName)
	oldParent.listing = nil
	child.parentID = newParentID
	child.name = newName
	child.fullPath = dstKey
	child.age = newParent.currentAge
	newParent.children[newName] = id
	newParent.listing = nil
	return nil
}

func (t *Tree) putEmpty(ctx context.Context, key string) error {
	return t.putBody(ctx, key, nil)
}

func (t *Tree) putBody(ctx context.Context, key string, body []byte) error {
	conn, release, err := t.ops.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	_, err = t.engine.MakeRequest(ctx, conn, "/"+strings.TrimPrefix(key, "/"), http.MethodPut, body, nil)
	return err
}

func (t *Tree) delete(ctx context.Context, key string) error {
	conn, release, err := t.ops.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	_, err = t.engine.MakeRequest(ctx, conn, "/"+strings.TrimPrefix(key, "/"), http.MethodDelete, nil, nil)
	return err
}

func (t *Tree) copy(ctx context.Context, srcKey, dstKey string) error {
	conn, release, err := t.ops.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	headers := s3http.Headers{{Key: "x-amz-copy-source", Value: "/" + t.cfg.Bucket + "/" + strings.TrimPrefix(srcKey, "/")}}
	_, err = t.engine.MakeRequest(ctx, conn, "/"+strings.TrimPrefix(dstKey, "/"), http.MethodPut, nil, headers)
	return err
}
