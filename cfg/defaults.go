package cfg

// DefaultConfig returns the configuration applied before flags, environment
// variables or a config file override any of it.
func DefaultConfig() Config {
	return Config{
		App: AppConfig{Foreground: false},
		Logging: LoggingConfig{
			Severity:        InfoLogSeverity,
			Format:          "text",
			MaxFileSizeMB:   512,
			BackupFileCount: 10,
			Compress:        true,
		},
		S3: S3Config{
			PathStyle:    true,
			SSL:          false,
			StorageClass: "STANDARD",
			PartSizeMB:   8,
			MD5Enabled:   true,
		},
		Connection: ConnectionConfig{
			TimeoutSec:   30,
			MaxRetries:   3,
			MaxRedirects: 5,
		},
		Pool: PoolConfig{
			Readers:    4,
			Writers:    4,
			Ops:        2,
			MaxWaiters: 1024,
		},
		FileSystem: FileSystemConfig{
			UID:             -1,
			GID:             -1,
			FileMode:        0644,
			DirMode:         0755,
			DirCacheTTLSec:  1,
			KeysPerRequest:  1000,
			CheckEmptyFiles: false,
		},
		Cache: CacheConfig{
			MaxMegabyteSize: 1024,
		},
		Statistics: StatisticsConfig{
			Enabled:     false,
			Host:        "127.0.0.1",
			Port:        8317,
			StatsPath:   "/stats",
			HistorySize: 100,
		},
	}
}
