package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"go.uber.org/zap"

	"github.com/s3fuse/s3fuse/cfg"
	"github.com/s3fuse/s3fuse/common"
	"github.com/s3fuse/s3fuse/internal/cache"
	"github.com/s3fuse/s3fuse/internal/fileio"
	"github.com/s3fuse/s3fuse/internal/fuseadapter"
	"github.com/s3fuse/s3fuse/internal/logger"
	"github.com/s3fuse/s3fuse/internal/pool"
	"github.com/s3fuse/s3fuse/internal/s3http"
	"github.com/s3fuse/s3fuse/internal/stats"
	"github.com/s3fuse/s3fuse/internal/tree"
)

// currentUIDGID reports the uid/gid of the process invoking the mount, used
// as the default inode owner when filesystem.uid/gid are left at -1.
func currentUIDGID() (uid, gid uint32) {
	return uint32(os.Getuid()), uint32(os.Getgid())
}

// splitEndpoint turns "host" or "host:port" into a host:port pair, filling
// in the conventional S3 port for the configured scheme when none is given.
func splitEndpoint(endpoint string, ssl bool) (string, int, error) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		host = endpoint
		if ssl {
			return host, 443, nil
		}
		return host, 80, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid endpoint port %q: %w", portStr, err)
	}
	return host, port, nil
}

func connectionPool(hostPort string, timeout time.Duration, size, maxWaiters int) (*pool.Pool[*s3http.Connection], error) {
	return pool.New(size, func() (*s3http.Connection, error) {
		return s3http.NewConnection(hostPort, timeout), nil
	}, func(c *s3http.Connection) { c.Close() }, nil, maxWaiters)
}

// runMount builds every component out of c and blocks until the filesystem
// is unmounted or the process receives SIGINT/SIGTERM.
func runMount(ctx context.Context, mountPoint string, c *cfg.Config) error {
	if err := logger.Init(logger.Config{
		Severity:        string(c.Logging.Severity),
		Format:          c.Logging.Format,
		FilePath:        c.Logging.FilePath,
		MaxFileSizeMB:   c.Logging.MaxFileSizeMB,
		BackupFileCount: c.Logging.BackupFileCount,
		Compress:        c.Logging.Compress,
	}); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	sugar := logger.Sugared()

	host, port, err := splitEndpoint(c.S3.Endpoint, c.S3.SSL)
	if err != nil {
		return err
	}
	hostPort := net.JoinHostPort(host, strconv.Itoa(port))
	timeout := time.Duration(c.Connection.TimeoutSec) * time.Second

	engine := s3http.New(s3http.Config{
		Bucket:          c.S3.Bucket,
		AccessKeyID:     c.S3.AccessKeyID,
		SecretAccessKey: c.S3.SecretAccessKey,
		PathStyle:       c.S3.PathStyle,
		Host:            host,
		Port:            port,
		SSL:             c.S3.SSL,
		MaxRedirects:    c.Connection.MaxRedirects,
	}, sugar)

	probeConn := s3http.NewConnection(hostPort, timeout)
	if err := engine.ProbeBucket(ctx, probeConn); err != nil {
		probeConn.Close()
		return fmt.Errorf("probing bucket %q at %q: %w", c.S3.Bucket, c.S3.Endpoint, err)
	}
	probeConn.Close()

	readers, err := connectionPool(hostPort, timeout, c.Pool.Readers, c.Pool.MaxWaiters)
	if err != nil {
		return fmt.Errorf("building reader pool: %w", err)
	}
	writers, err := connectionPool(hostPort, timeout, c.Pool.Writers, c.Pool.MaxWaiters)
	if err != nil {
		return fmt.Errorf("building writer pool: %w", err)
	}
	ops, err := connectionPool(hostPort, timeout, c.Pool.Ops, c.Pool.MaxWaiters)
	if err != nil {
		return fmt.Errorf("building metadata pool: %w", err)
	}
	clock := timeutil.RealClock()

	cacheMgr, err := cache.New(cache.Config{
		Dir:             c.Cache.Dir,
		MaxMegabyteSize: c.Cache.MaxMegabyteSize,
	}, clock, sugar)
	if err != nil {
		readers.Close()
		writers.Close()
		ops.Close()
		return fmt.Errorf("building read cache: %w", err)
	}

	shutdown := common.JoinShutdownFunc(
		func(context.Context) error { readers.Close(); return nil },
		func(context.Context) error { writers.Close(); return nil },
		func(context.Context) error { ops.Close(); return nil },
		func(context.Context) error { return cacheMgr.Close() },
	)
	defer shutdown(context.Background())

	t := tree.New(tree.Config{
		Bucket:          c.S3.Bucket,
		DirCacheMaxTime: time.Duration(c.FileSystem.DirCacheTTLSec) * time.Second,
		KeysPerRequest:  c.FileSystem.KeysPerRequest,
		CheckEmptyFiles: c.FileSystem.CheckEmptyFiles,
	}, engine, ops, clock, sugar)

	uid, gid := currentUIDGID()
	if c.FileSystem.UID >= 0 {
		uid = uint32(c.FileSystem.UID)
	}
	if c.FileSystem.GID >= 0 {
		gid = uint32(c.FileSystem.GID)
	}

	fsImpl := fuseadapter.New(fuseadapter.Config{
		FileIO: fileio.Config{
			PartSize:    uint64(c.S3.PartSizeMB) * 1024 * 1024,
			StorageType: c.S3.StorageClass,
			MD5Enabled:  c.S3.MD5Enabled,
		},
		UID: uid,
		GID: gid,
	}, t, engine, writers, readers, cacheMgr, sugar)

	statsSrv := stats.New(stats.Config{
		Enabled:     c.Statistics.Enabled,
		Host:        c.Statistics.Host,
		Port:        c.Statistics.Port,
		StatsPath:   c.Statistics.StatsPath,
		HistorySize: c.Statistics.HistorySize,
	}, fsImpl, sugar)
	fsImpl.SetHistory(statsSrv)
	if err := statsSrv.Start(); err != nil {
		return fmt.Errorf("starting statistics endpoint: %w", err)
	}
	defer statsSrv.Stop(context.Background())

	server := fuseutil.NewFileSystemServer(fsImpl)
	mountCfg := &fuse.MountConfig{
		FSName:               "s3fuse",
		Subtype:              "s3fuse",
		VolumeName:           c.S3.Bucket,
		EnableParallelDirOps: true,
		ErrorLogger:          zap.NewStdLog(sugar.Desugar()),
	}
	if c.Logging.Severity.Rank() <= cfg.TraceLogSeverity.Rank() {
		mountCfg.DebugLogger = zap.NewStdLog(sugar.Desugar())
	}

	sugar.Infof("mounting bucket %q at %q", c.S3.Bucket, mountPoint)
	mfs, err := fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGUSR1:
				sugar.Infof("SIGUSR1: bumping log severity to TRACE")
				logger.SetSeverity(string(cfg.TraceLogSeverity))
			default:
				sugar.Infof("received %v, unmounting %q", sig, mountPoint)
				if err := fuse.Unmount(mountPoint); err != nil {
					sugar.Errorf("unmount: %v", err)
				}
			}
		}
	}()

	return mfs.Join(ctx)
}
