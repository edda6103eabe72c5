// Package cmd implements the s3fuse binary's command line: flag and config
// wiring (cfg), and the mount lifecycle (mount.go).
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/s3fuse/s3fuse/cfg"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error

	// MountConfig is the fully resolved configuration, populated by
	// viper.Unmarshal in initConfig before RunE runs.
	MountConfig cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "s3fuse [flags] bucket mount_point",
	Short: "Mount an S3-compatible bucket as a local filesystem",
	Long: `s3fuse is a FUSE adapter that mounts a bucket on an S3-compatible
object store as a local directory tree, buffering writes and caching reads
through a bounded set of HTTP connections.`,
	Args: cobra.ExactArgs(2),
	RunE: func(c *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		MountConfig.S3.Bucket = args[0]
		mountPoint, err := filepath.Abs(args[1])
		if err != nil {
			return fmt.Errorf("resolving mount point: %w", err)
		}
		if err := cfg.Validate(&MountConfig); err != nil {
			return err
		}
		return runMount(c.Context(), mountPoint, &MountConfig)
	},
}

func registerFlags(fs *pflag.FlagSet) {
	d := cfg.DefaultConfig()

	fs.Bool("foreground", d.App.Foreground, "has no effect: the mount always runs in the foreground")

	fs.String("log-severity", string(d.Logging.Severity), "TRACE, DEBUG, INFO, WARNING, ERROR or OFF")
	fs.String("log-format", d.Logging.Format, "text or json")
	fs.String("log-file", d.Logging.FilePath, "log file path; empty logs to stderr")
	fs.Int("log-max-file-size-mb", d.Logging.MaxFileSizeMB, "rotate the log file above this size")
	fs.Int("log-backup-file-count", d.Logging.BackupFileCount, "rotated log files to retain")
	fs.Bool("log-compress", d.Logging.Compress, "gzip rotated log files")

	fs.String("endpoint", d.S3.Endpoint, "S3-compatible endpoint, host[:port]")
	fs.String("access-key-id", d.S3.AccessKeyID, "access key id (or AWS_ACCESS_KEY_ID)")
	fs.String("secret-access-key", d.S3.SecretAccessKey, "secret access key (or AWS_SECRET_ACCESS_KEY)")
	fs.Bool("path-style", d.S3.PathStyle, "address the bucket as /bucket/key instead of bucket.host")
	fs.Bool("ssl", d.S3.SSL, "use https against the endpoint")
	fs.String("storage-class", d.S3.StorageClass, "storage class applied to new objects")
	fs.Int("part-size-mb", d.S3.PartSizeMB, "multipart upload part size")
	fs.Bool("md5-enabled", d.S3.MD5Enabled, "compute a whole-object MD5 over uploaded bytes (Content-MD5 is sent on every upload regardless)")

	fs.Int("connect-timeout-sec", d.Connection.TimeoutSec, "per-request HTTP timeout")
	fs.Int("max-retries", d.Connection.MaxRetries, "accepted but not used: a transport-level failure is not retried")
	fs.Int("max-redirects", d.Connection.MaxRedirects, "redirects to follow on a 301")

	fs.Int("pool-readers", d.Pool.Readers, "size of the GET connection pool")
	fs.Int("pool-writers", d.Pool.Writers, "size of the PUT/multipart connection pool")
	fs.Int("pool-ops", d.Pool.Ops, "size of the directory/metadata connection pool")
	fs.Int("pool-max-waiters", d.Pool.MaxWaiters, "callers allowed to queue once a pool is exhausted")

	fs.Int("uid", d.FileSystem.UID, "owner uid for all inodes; -1 uses the mounting user's uid")
	fs.Int("gid", d.FileSystem.GID, "owner gid for all inodes; -1 uses the mounting user's gid")
	fs.String("file-mode", d.FileSystem.FileMode.String(), "octal permission bits for regular files")
	fs.String("dir-mode", d.FileSystem.DirMode.String(), "octal permission bits for directories")
	fs.Int("dir-cache-ttl-sec", d.FileSystem.DirCacheTTLSec, "how long a directory listing is trusted before re-fetching")
	fs.Int("keys-per-request", d.FileSystem.KeysPerRequest, "page size for bucket listing calls")
	fs.Bool("check-empty-files", d.FileSystem.CheckEmptyFiles, "after a HEAD reports zero length, GET the first byte to confirm the object is really empty")

	fs.String("cache-dir", d.Cache.Dir, "read-cache root directory; each run creates its own subdirectory here (empty means the working directory)")
	fs.Uint64("cache-max-megabyte-size", d.Cache.MaxMegabyteSize, "read-cache size budget in MiB")

	fs.Bool("stats-enabled", d.Statistics.Enabled, "serve a JSON statistics endpoint")
	fs.String("stats-host", d.Statistics.Host, "statistics endpoint bind host")
	fs.Int("stats-port", d.Statistics.Port, "statistics endpoint bind port")
	fs.String("stats-path", d.Statistics.StatsPath, "statistics endpoint URL path")
	fs.Int("stats-history-size", d.Statistics.HistorySize, "recent operations retained for the statistics endpoint")
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "path to a YAML config file")
	registerFlags(rootCmd.PersistentFlags())
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	MountConfig = cfg.DefaultConfig()
	decodeOpt := viper.DecodeHook(cfg.DecodeHook())

	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&MountConfig, decodeOpt)
		return
	}

	abs, err := filepath.Abs(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(abs)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&MountConfig, decodeOpt)
}

// Execute runs the root command, exiting the process with status 1 on
// failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
