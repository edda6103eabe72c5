// Package cfg defines the mount's configuration surface: one struct tree
// bound to command-line flags, environment variables and an optional YAML
// config file through viper, with custom types (Octal, LogSeverity)
// handling the flags that don't fit a plain Go scalar.
package cfg

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// AppConfig carries app.* settings.
type AppConfig struct {
	Foreground bool `mapstructure:"foreground"`
}

// LoggingConfig carries log.* settings, consumed directly by internal/logger.
type LoggingConfig struct {
	Severity        LogSeverity `mapstructure:"severity"`
	Format          string      `mapstructure:"format"`
	FilePath        string      `mapstructure:"file-path"`
	MaxFileSizeMB   int         `mapstructure:"max-file-size-mb"`
	BackupFileCount int         `mapstructure:"backup-file-count"`
	Compress        bool        `mapstructure:"compress"`
}

// S3Config carries s3.* settings, consumed by internal/s3http and internal/fileio.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access-key-id"`
	SecretAccessKey string `mapstructure:"secret-access-key"`
	PathStyle       bool   `mapstructure:"path-style"`
	SSL             bool   `mapstructure:"ssl"`
	StorageClass    string `mapstructure:"storage-class"`
	PartSizeMB      int    `mapstructure:"part-size-mb"`
	MD5Enabled      bool   `mapstructure:"md5-enabled"`
}

// ConnectionConfig carries connection.* settings, consumed by internal/s3http.
type ConnectionConfig struct {
	TimeoutSec   int `mapstructure:"timeout-sec"`
	MaxRetries   int `mapstructure:"max-retries"`
	MaxRedirects int `mapstructure:"max-redirects"`
}

// PoolConfig carries pool.* settings: the size of the three client pools
// (readers, writers, directory/metadata operations) and how many callers
// may queue per pool before Acquire gives up.
type PoolConfig struct {
	Readers    int `mapstructure:"readers"`
	Writers    int `mapstructure:"writers"`
	Ops        int `mapstructure:"ops"`
	MaxWaiters int `mapstructure:"max-waiters"`
}

// FileSystemConfig carries filesystem.* settings, consumed by internal/tree
// and internal/fuseadapter.
type FileSystemConfig struct {
	UID             int   `mapstructure:"uid"`
	GID             int   `mapstructure:"gid"`
	FileMode        Octal `mapstructure:"file-mode"`
	DirMode         Octal `mapstructure:"dir-mode"`
	DirCacheTTLSec  int   `mapstructure:"dir-cache-ttl-sec"`
	KeysPerRequest  int   `mapstructure:"keys-per-request"`
	CheckEmptyFiles bool  `mapstructure:"check-empty-files"`
}

// CacheConfig carries cache.* settings, consumed by internal/cache.
type CacheConfig struct {
	Dir             string `mapstructure:"dir"`
	MaxMegabyteSize uint64 `mapstructure:"max-megabyte-size"`
}

// StatisticsConfig carries statistics.* settings, consumed by internal/stats.
type StatisticsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	StatsPath   string `mapstructure:"stats-path"`
	HistorySize int    `mapstructure:"history-size"`
}

// Config is the mount's fully resolved configuration, unmarshaled by viper
// from flags, environment variables (AWSACCESSKEYID/AWSSECRETACCESSKEY, or
// failing those AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY, override
// s3.access-key-id/s3.secret-access-key) and an optional YAML file.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    LoggingConfig    `mapstructure:"log"`
	S3         S3Config         `mapstructure:"s3"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Pool       PoolConfig       `mapstructure:"pool"`
	FileSystem FileSystemConfig `mapstructure:"filesystem"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Statistics StatisticsConfig `mapstructure:"statistics"`
}

// BindFlags binds every flag already registered on flagSet to its matching
// viper key, so that a later viper.Unmarshal picks up command-line values
// over the defaults baked into DefaultConfig.
func BindFlags(flagSet *pflag.FlagSet) error {
	binding := map[string]string{
		"app.foreground": "foreground",

		"log.severity":          "log-severity",
		"log.format":            "log-format",
		"log.file-path":         "log-file",
		"log.max-file-size-mb":  "log-max-file-size-mb",
		"log.backup-file-count": "log-backup-file-count",
		"log.compress":          "log-compress",

		"s3.endpoint":          "endpoint",
		"s3.bucket":            "bucket",
		"s3.access-key-id":     "access-key-id",
		"s3.secret-access-key": "secret-access-key",
		"s3.path-style":        "path-style",
		"s3.ssl":               "ssl",
		"s3.storage-class":     "storage-class",
		"s3.part-size-mb":      "part-size-mb",
		"s3.md5-enabled":       "md5-enabled",

		"connection.timeout-sec":   "connect-timeout-sec",
		"connection.max-retries":   "max-retries",
		"connection.max-redirects": "max-redirects",

		"pool.readers":     "pool-readers",
		"pool.writers":     "pool-writers",
		"pool.ops":         "pool-ops",
		"pool.max-waiters": "pool-max-waiters",

		"filesystem.uid":               "uid",
		"filesystem.gid":               "gid",
		"filesystem.file-mode":         "file-mode",
		"filesystem.dir-mode":          "dir-mode",
		"filesystem.dir-cache-ttl-sec": "dir-cache-ttl-sec",
		"filesystem.keys-per-request":  "keys-per-request",
		"filesystem.check-empty-files": "check-empty-files",

		"cache.dir":               "cache-dir",
		"cache.max-megabyte-size": "cache-max-megabyte-size",

		"statistics.enabled":      "stats-enabled",
		"statistics.host":         "stats-host",
		"statistics.port":         "stats-port",
		"statistics.stats-path":   "stats-path",
		"statistics.history-size": "stats-history-size",
	}

	for viperKey, flagName := range binding {
		flag := flagSet.Lookup(flagName)
		if flag == nil {
			return fmt.Errorf("cfg.BindFlags: no flag registered for %q", flagName)
		}
		if err := viper.BindPFlag(viperKey, flag); err != nil {
			return fmt.Errorf("cfg.BindFlags: binding %q: %w", viperKey, err)
		}
	}

	_ = viper.BindEnv("s3.access-key-id", "AWSACCESSKEYID", "AWS_ACCESS_KEY_ID")
	_ = viper.BindEnv("s3.secret-access-key", "AWSSECRETACCESSKEY", "AWS_SECRET_ACCESS_KEY")
	return nil
}

// Validate rejects a Config whose values can't produce a working mount.
// Errors caught here replace obscure EIO/panic failures later at runtime.
func Validate(c *Config) error {
	if c.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required")
	}
	if c.S3.Endpoint == "" {
		return fmt.Errorf("s3.endpoint is required")
	}
	if c.S3.PartSizeMB <= 0 {
		return fmt.Errorf("s3.part-size-mb must be positive, got %d", c.S3.PartSizeMB)
	}
	if c.Pool.Readers <= 0 || c.Pool.Writers <= 0 || c.Pool.Ops <= 0 {
		return fmt.Errorf("pool.readers, pool.writers and pool.ops must all be positive")
	}
	if c.Connection.MaxRedirects < 0 {
		return fmt.Errorf("connection.max-redirects must be non-negative, got %d", c.Connection.MaxRedirects)
	}
	if c.Statistics.Enabled && c.Statistics.Port <= 0 {
		return fmt.Errorf("statistics.port must be positive when statistics.enabled is set")
	}
	return nil
}
