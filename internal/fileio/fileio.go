// Package fileio implements the per-open-file content engine: buffered/
// multipart upload on the write side, HEAD-then-ranged-GET download on the
// read side, both backed by internal/cache and internal/s3http.
package fileio

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/s3fuse/s3fuse/internal/cache"
	"github.com/s3fuse/s3fuse/internal/pool"
	"github.com/s3fuse/s3fuse/internal/s3http"
)

// maxPartNumber is S3's hard cap on multipart upload parts.
const maxPartNumber = 10000

var (
	// ErrNonSequentialWrite is returned when a write's offset doesn't pick
	// up exactly where the previous write on this handle left off.
	ErrNonSequentialWrite = errors.New("fileio: only sequential writes are supported")
	// ErrTooManyParts is returned once a multipart upload would exceed
	// S3's 10000-part ceiling.
	ErrTooManyParts = errors.New("fileio: exceeded maximum multipart part count")
)

// Config carries the s3.* knobs this engine needs per open file.
type Config struct {
	PartSize    uint64
	StorageType string
	MD5Enabled  bool
}

type part struct {
	number int
	md5Hex string
}

// Context is the per-open-file state machine. One is created per
// OpenFile/CreateFile and destroyed on Release.
type Context struct {
	key       string // leading-slash S3 key, e.g. "/dir/file.txt"
	ino       uint64
	assumeNew bool

	cfg     Config
	engine  *s3http.Engine
	writers *pool.Pool[*s3http.Connection]
	readers *pool.Pool[*s3http.Connection]
	cacheMgr *cache.Manager
	logger  *zap.SugaredLogger

	// write side
	currentSize        uint64
	writeBuf           []byte
	multipartInitiated bool
	uploadID           string
	partNumber         int
	parts              []part
	wholeMD5           hash.Hash

	// read side
	headSent    bool
	fileSize    uint64
	serverETag  string
}

// New creates a file I/O context for key (ino's full S3 object key).
// assumeNew marks a freshly created, still-empty file: Release must still
// PUT an empty object for it even though no bytes were ever written.
func New(key string, ino uint64, assumeNew bool, cfg Config, engine *s3http.Engine, writers, readers *pool.Pool[*s3http.Connection], cacheMgr *cache.Manager, logger *zap.SugaredLogger) *Context {
	return &Context{
		key: key, ino: ino, assumeNew: assumeNew,
		cfg: cfg, engine: engine, writers: writers, readers: readers,
		cacheMgr: cacheMgr, logger: logger,
	}
}

// Write appends buf at offset, which must equal the running write size —
// this engine, like its teacher, rejects sparse or out-of-order writes
// outright rather than buffering holes.
func (c *Context) Write(ctx context.Context, offset int64, buf []byte) (int, error) {
	if offset < 0 || c.currentSize != uint64(offset) {
		return 0, ErrNonSequentialWrite
	}

	c.writeBuf = append(c.writeBuf, buf...)
	c.currentSize += uint64(len(buf))
	c.cacheMgr.Store(c.ino, buf, offset)

	if uint64(len(c.writeBuf)) >= c.cfg.PartSize {
		if err := c.sendMultipartPart(ctx); err != nil {
			return 0, err
		}
	}
	return len(buf), nil
}

// Size reports the number of bytes written to this handle so far.
func (c *Context) Size() uint64 { return c.currentSize }

// sendMultipartPart ships the current write buffer as one multipart part,
// initiating the upload first if this is the first part.
func (c *Context) sendMultipartPart(ctx context.Context) error {
	if !c.multipartInitiated {
		if err := c.initiateMultipart(ctx); err != nil {
			return err
		}
		c.partNumber = 1
	}
	if c.partNumber > maxPartNumber {
		return ErrTooManyParts
	}

	body := c.writeBuf
	c.writeBuf = nil
	sum := md5.Sum(body)
	c.accumulateWholeMD5(body)

	headers := s3http.Headers{{Key: "Content-MD5", Value: base64.StdEncoding.EncodeToString(sum[:])}}
	path := fmt.Sprintf("%s?partNumber=%d&uploadId=%s", c.key, c.partNumber, c.uploadID)

	conn, release, err := c.writers.Acquire(ctx)
	if err != nil {
		return err
	}
	_, err = c.engine.MakeRequest(ctx, conn, path, http.MethodPut, body, headers)
	release()
	if err != nil {
		return err
	}

	c.parts = append(c.parts, part{number: c.partNumber, md5Hex: hex.EncodeToString(sum[:])})
	c.partNumber++
	return nil
}

func (c *Context) initiateMultipart(ctx context.Context) error {
	headers := s3http.Headers{{Key: "x-amz-storage-class", Value: c.cfg.StorageType}}
	conn, release, err := c.writers.Acquire(ctx)
	if err != nil {
		return err
	}
	resp, err := c.engine.MakeRequest(ctx, conn, c.key+"?uploads", http.MethodPost, nil, headers)
	release()
	if err != nil {
		return err
	}
	uploadID, err := s3http.ParseUploadID(resp.Body)
	if err != nil {
		return err
	}
	c.uploadID = uploadID
	c.multipartInitiated = true
	return nil
}

func (c *Context) completeMultipart(ctx context.Context) error {
	if c.uploadID == "" {
		return errors.New("fileio: upload id not set, cannot complete multipart upload")
	}
	completed := make([]s3http.CompletedPart, len(c.parts))
	for i, p := range c.parts {
		completed[i] = s3http.CompletedPart{PartNumber: p.number, ETagHex: p.md5Hex}
	}
	body, err := s3http.BuildCompleteMultipartUploadBody(completed)
	if err != nil {
		return err
	}

	conn, release, err := c.writers.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	path := fmt.Sprintf("%s?uploadId=%s", c.key, c.uploadID)
	_, err = c.engine.MakeRequest(ctx, conn, path, http.MethodPost, body, nil)
	return err
}

// Release flushes any buffered bytes and, for a multipart upload, sends the
// CompleteMultipartUpload request. It must be called exactly once, when the
// kernel's last reference to the open handle goes away.
func (c *Context) Release(ctx context.Context) error {
	if len(c.writeBuf) > 0 || c.assumeNew {
		if c.multipartInitiated {
			if err := c.sendMultipartPart(ctx); err != nil {
				return err
			}
			return c.completeMultipart(ctx)
		}
		return c.putWholeObject(ctx)
	}
	if c.multipartInitiated {
		return c.completeMultipart(ctx)
	}
	return nil
}

func (c *Context) putWholeObject(ctx context.Context) error {
	body := c.writeBuf
	c.writeBuf = nil
	sum := md5.Sum(body)
	c.accumulateWholeMD5(body)

	headers := s3http.Headers{
		{Key: "Content-MD5", Value: base64.StdEncoding.EncodeToString(sum[:])},
		{Key: "x-amz-storage-class", Value: c.cfg.StorageType},
		{Key: "x-amz-meta-date", Value: time.Now().UTC().Format(http.TimeFormat)},
	}
	conn, release, err := c.writers.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	_, err = c.engine.MakeRequest(ctx, conn, c.key, http.MethodPut, body, headers)
	return err
}

// accumulateWholeMD5 feeds body into the running whole-object digest, one
// call per part (or the single call putWholeObject makes for a non-
// multipart upload) so the final sum covers every byte written, not just
// the most recent chunk.
func (c *Context) accumulateWholeMD5(body []byte) {
	if !c.cfg.MD5Enabled {
		return
	}
	if c.wholeMD5 == nil {
		c.wholeMD5 = md5.New()
	}
	c.wholeMD5.Write(body)
}

// WholeMD5 returns the whole object's MD5, over every byte written across
// every part, in hex, and whether one has been computed at all.
func (c *Context) WholeMD5() (string, bool) {
	if c.wholeMD5 == nil {
		return "", false
	}
	return hex.EncodeToString(c.wholeMD5.Sum(nil)), true
}

// Read returns up to size bytes of object content starting at offset,
// serving from cache when possible and falling back to a ranged GET.
func (c *Context) Read(ctx context.Context, offset int64, size int) ([]byte, error) {
	if !c.headSent {
		if err := c.sendHead(ctx); err != nil {
			return nil, err
		}
	}
	if uint64(offset) >= c.fileSize {
		return nil, nil
	}
	if uint64(offset)+uint64(size) > c.fileSize {
		size = int(c.fileSize - uint64(offset))
	}
	if size == 0 {
		return nil, nil
	}

	if buf, ok := c.cacheMgr.Retrieve(c.ino, size, offset); ok {
		return buf, nil
	}
	return c.fetchRange(ctx, offset, size)
}

func (c *Context) sendHead(ctx context.Context) error {
	conn, release, err := c.readers.Acquire(ctx)
	if err != nil {
		return err
	}
	resp, err := c.engine.MakeRequest(ctx, conn, c.key, http.MethodHead, nil, nil)
	release()
	if err != nil {
		return err
	}
	c.headSent = true
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseUint(cl, 10, 64); err == nil {
			c.fileSize = n
		}
	}
	c.reconcileETag(resp.Header.Get("ETag"))
	return nil
}

// reconcileETag mirrors insure_cache_etag_consistent_or_invalidate_cache:
// the first observed ETag seeds the cache's record for this inode; a later
// mismatch invalidates whatever was cached under the stale ETag.
func (c *Context) reconcileETag(awsETag string) {
	awsETag = strings.Trim(awsETag, `"`)
	if awsETag == "" {
		return
	}
	c.serverETag = awsETag

	cached, ok := c.cacheMgr.GetETag(c.ino)
	switch {
	case !ok:
		c.cacheMgr.UpdateETag(c.ino, awsETag)
	case cached != awsETag:
		c.logger.Debugf("fileio: etag changed for inode %d, dropping cached content", c.ino)
		c.cacheMgr.Remove(c.ino)
		c.cacheMgr.UpdateETag(c.ino, awsETag)
	}
}

func (c *Context) fetchRange(ctx context.Context, offset int64, size int) ([]byte, error) {
	conn, release, err := c.readers.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var headers s3http.Headers
	fetchWhole := c.fileSize < c.cfg.PartSize
	if !fetchWhole {
		length := c.cfg.PartSize
		if uint64(size) > length {
			length = uint64(size)
		}
		headers = s3http.Headers{{Key: "Range", Value: fmt.Sprintf("bytes=%d-%d", offset, uint64(offset)+length)}}
	}

	resp, err := c.engine.MakeRequest(ctx, conn, c.key, http.MethodGet, nil, headers)
	if err != nil {
		return nil, err
	}
	c.reconcileETag(resp.Header.Get("ETag"))

	body := resp.Body
	if fetchWhole {
		c.cacheMgr.Store(c.ino, body, 0)
		if c.serverETag != "" {
			c.cacheMgr.UpdateETag(c.ino, c.serverETag)
		}
		if int(offset)+size > len(body) {
			size = len(body) - int(offset)
		}
		if size <= 0 || int(offset) > len(body) {
			return nil, nil
		}
		return body[offset : int(offset)+size], nil
	}

	c.cacheMgr.Store(c.ino, body, offset)
	if c.serverETag != "" {
		c.cacheMgr.UpdateETag(c.ino, c.serverETag)
	}
	if size > len(body) {
		size = len(body)
	}
	return body[:size], nil
}
