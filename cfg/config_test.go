package cfg

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func registerAllFlags(t *testing.T, fs *pflag.FlagSet) {
	t.Helper()
	d := DefaultConfig()

	fs.Bool("foreground", d.App.Foreground, "")

	fs.String("log-severity", string(d.Logging.Severity), "")
	fs.String("log-format", d.Logging.Format, "")
	fs.String("log-file", d.Logging.FilePath, "")
	fs.Int("log-max-file-size-mb", d.Logging.MaxFileSizeMB, "")
	fs.Int("log-backup-file-count", d.Logging.BackupFileCount, "")
	fs.Bool("log-compress", d.Logging.Compress, "")

	fs.String("endpoint", d.S3.Endpoint, "")
	fs.String("bucket", d.S3.Bucket, "")
	fs.String("access-key-id", d.S3.AccessKeyID, "")
	fs.String("secret-access-key", d.S3.SecretAccessKey, "")
	fs.Bool("path-style", d.S3.PathStyle, "")
	fs.Bool("ssl", d.S3.SSL, "")
	fs.String("storage-class", d.S3.StorageClass, "")
	fs.Int("part-size-mb", d.S3.PartSizeMB, "")
	fs.Bool("md5-enabled", d.S3.MD5Enabled, "")

	fs.Int("connect-timeout-sec", d.Connection.TimeoutSec, "")
	fs.Int("max-retries", d.Connection.MaxRetries, "")
	fs.Int("max-redirects", d.Connection.MaxRedirects, "")

	fs.Int("pool-readers", d.Pool.Readers, "")
	fs.Int("pool-writers", d.Pool.Writers, "")
	fs.Int("pool-ops", d.Pool.Ops, "")
	fs.Int("pool-max-waiters", d.Pool.MaxWaiters, "")

	fs.Int("uid", d.FileSystem.UID, "")
	fs.Int("gid", d.FileSystem.GID, "")
	fs.String("file-mode", d.FileSystem.FileMode.String(), "")
	fs.String("dir-mode", d.FileSystem.DirMode.String(), "")
	fs.Int("dir-cache-ttl-sec", d.FileSystem.DirCacheTTLSec, "")
	fs.Int("keys-per-request", d.FileSystem.KeysPerRequest, "")
	fs.Bool("check-empty-files", d.FileSystem.CheckEmptyFiles, "")

	fs.String("cache-dir", d.Cache.Dir, "")
	fs.Uint64("cache-max-megabyte-size", d.Cache.MaxMegabyteSize, "")

	fs.Bool("stats-enabled", d.Statistics.Enabled, "")
	fs.String("stats-host", d.Statistics.Host, "")
	fs.Int("stats-port", d.Statistics.Port, "")
	fs.String("stats-path", d.Statistics.StatsPath, "")
	fs.Int("stats-history-size", d.Statistics.HistorySize, "")
}

func TestBindFlagsAndUnmarshalRoundTrip(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	registerAllFlags(t, fs)
	require.NoError(t, BindFlags(fs))
	require.NoError(t, fs.Set("bucket", "my-bucket"))
	require.NoError(t, fs.Set("endpoint", "s3.example.com"))
	require.NoError(t, fs.Set("log-severity", "debug"))
	require.NoError(t, fs.Set("file-mode", "0600"))

	var got Config
	require.NoError(t, viper.Unmarshal(&got, viper.DecodeHook(DecodeHook())))

	require.Equal(t, "my-bucket", got.S3.Bucket)
	require.Equal(t, "s3.example.com", got.S3.Endpoint)
	require.Equal(t, DebugLogSeverity, got.Logging.Severity)
	require.Equal(t, Octal(0600), got.FileSystem.FileMode)
}

func TestBindFlagsErrorsOnMissingFlag(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.Error(t, BindFlags(fs))
}

func TestValidateRejectsMissingBucket(t *testing.T) {
	c := DefaultConfig()
	c.S3.Endpoint = "s3.example.com"
	require.Error(t, Validate(&c))
}

func TestValidateRejectsMissingEndpoint(t *testing.T) {
	c := DefaultConfig()
	c.S3.Bucket = "my-bucket"
	require.Error(t, Validate(&c))
}

func TestValidateAcceptsDefaultsWithBucketAndEndpoint(t *testing.T) {
	c := DefaultConfig()
	c.S3.Bucket = "my-bucket"
	c.S3.Endpoint = "s3.example.com"
	require.NoError(t, Validate(&c))
}

func TestValidateRejectsZeroPoolSize(t *testing.T) {
	c := DefaultConfig()
	c.S3.Bucket = "my-bucket"
	c.S3.Endpoint = "s3.example.com"
	c.Pool.Writers = 0
	require.Error(t, Validate(&c))
}
