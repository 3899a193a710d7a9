package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the validated, immutable configuration record built once at
// startup. Every field is read from FLOE_* environment variables.
type Config struct {
	Net string // mainnet | testnet

	Network      NetworkConfig
	ObjectStore  ObjectStoreConfig
	KV           KVConfig
	Upload       UploadConfig
	Registry     RegistryConfig
	Signer       SignerConfig
	ReadProxy    ReadProxyConfig
	Reaper       ReaperConfig
	ExposeBlobID bool
}

// NetworkConfig network/listen configuration.
type NetworkConfig struct {
	Port string
}

// ObjectStoreConfig locates the publisher and aggregator HTTP endpoints.
type ObjectStoreConfig struct {
	PublisherURL    string
	AggregatorURLs  []string // primary first, then fallbacks in preference order
	PublishTimeout  time.Duration
}

// KVConfig is the Redis connection used as the KV store.
type KVConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// UploadConfig governs upload session limits and the on-disk staging area.
type UploadConfig struct {
	TmpDir             string
	MinChunkBytes      int64
	MaxChunkBytes      int64
	DefaultChunkBytes  int64
	MaxFileSizeBytes   int64
	MaxTotalChunks     int
	MaxActiveUploads   int
	SessionTTL         time.Duration
	MetaExtraTTL       time.Duration
	FinalizeLockTTL    time.Duration
	LockRefreshInterval time.Duration
	MinEpochs          int64
	MaxEpochs          int64
	DefaultEpochs      int64
	StaleTempThreshold time.Duration
}

// RegistryConfig points at the on-chain registry RPC endpoint.
type RegistryConfig struct {
	RPCURL          string
	FieldsCacheTTL  time.Duration
}

// SignerConfig configures publish-client signing for mainnet profiles.
type SignerConfig struct {
	KeyMaterial          string // registry-canonical, JSON array, base64, or hex
	MinBalance           int64
	BalanceCheckInterval time.Duration
}

// ReadProxyConfig governs the range-stitching read path.
type ReadProxyConfig struct {
	MaxRangeBytes  int64
	MinSegmentSize int64
	ReadTimeout    time.Duration
}

// ReaperConfig governs the GC sweep cadence.
type ReaperConfig struct {
	Interval  time.Duration
	GraceTime time.Duration
}

// Cfg is the process-wide configuration instance, set once by Load.
var Cfg *Config

// Load reads FLOE_* environment variables into a validated Config.
// It fails fast with a descriptive error on any invalid setting, per the
// "global ambient config becomes a validated record built once at startup"
// design rule.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLOE")
	v.AutomaticEnv()

	v.SetDefault("NETWORK", "testnet")
	v.SetDefault("PORT", "8080")
	v.SetDefault("PUBLISH_TIMEOUT_SEC", 300)
	v.SetDefault("REDIS_HOST", "127.0.0.1")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("MIN_CHUNK_BYTES", 256*1024)
	v.SetDefault("MAX_CHUNK_BYTES", 20*1024*1024)
	v.SetDefault("DEFAULT_CHUNK_BYTES", 8*1024*1024)
	v.SetDefault("MAX_FILE_SIZE_BYTES", int64(15)*1024*1024*1024)
	v.SetDefault("MAX_TOTAL_CHUNKS", 200000)
	v.SetDefault("MAX_ACTIVE_UPLOADS", 100)
	v.SetDefault("SESSION_TTL_SEC", 6*3600)
	v.SetDefault("META_EXTRA_TTL_SEC", 30*60)
	v.SetDefault("FINALIZE_LOCK_TTL_SEC", 15*60)
	v.SetDefault("LOCK_REFRESH_INTERVAL_SEC", 60)
	v.SetDefault("MIN_EPOCHS", 1)
	v.SetDefault("MAX_EPOCHS", 90)
	v.SetDefault("DEFAULT_EPOCHS", 1)
	v.SetDefault("STALE_TEMP_THRESHOLD_SEC", 10*60)
	v.SetDefault("FIELDS_CACHE_TTL_MS", 24*3600*1000)
	v.SetDefault("MIN_BALANCE", 0)
	v.SetDefault("BALANCE_CHECK_INTERVAL_SEC", 60)
	v.SetDefault("STREAM_MAX_RANGE_BYTES", 16*1024*1024)
	v.SetDefault("STREAM_MIN_SEGMENT_BYTES", 256*1024)
	v.SetDefault("STREAM_READ_TIMEOUT_SEC", 10*60)
	v.SetDefault("REAPER_INTERVAL_SEC", 5*60)
	v.SetDefault("REAPER_GRACE_SEC", 15*60)
	v.SetDefault("EXPOSE_BLOB_ID", false)

	tmpDir := v.GetString("UPLOAD_TMP_DIR")
	if tmpDir == "" {
		return nil, fmt.Errorf("FLOE_UPLOAD_TMP_DIR is required")
	}
	if err := validateTmpDir(tmpDir); err != nil {
		return nil, err
	}

	net := strings.ToLower(v.GetString("NETWORK"))
	if net != "mainnet" && net != "testnet" {
		return nil, fmt.Errorf("FLOE_NETWORK must be one of mainnet, testnet, got %q", net)
	}

	publisherURL := v.GetString("PUBLISHER_URL")
	if publisherURL == "" {
		return nil, fmt.Errorf("FLOE_PUBLISHER_URL is required")
	}
	aggregatorURLs := splitCSV(v.GetString("AGGREGATOR_URLS"))
	if len(aggregatorURLs) == 0 {
		return nil, fmt.Errorf("FLOE_AGGREGATOR_URLS must list at least one aggregator")
	}

	registryURL := v.GetString("REGISTRY_RPC_URL")
	if registryURL == "" {
		return nil, fmt.Errorf("FLOE_REGISTRY_RPC_URL is required")
	}

	cfg := &Config{
		Net: net,
		Network: NetworkConfig{
			Port: v.GetString("PORT"),
		},
		ObjectStore: ObjectStoreConfig{
			PublisherURL:   publisherURL,
			AggregatorURLs: aggregatorURLs,
			PublishTimeout: time.Duration(v.GetInt("PUBLISH_TIMEOUT_SEC")) * time.Second,
		},
		KV: KVConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetInt("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Upload: UploadConfig{
			TmpDir:              tmpDir,
			MinChunkBytes:       v.GetInt64("MIN_CHUNK_BYTES"),
			MaxChunkBytes:       v.GetInt64("MAX_CHUNK_BYTES"),
			DefaultChunkBytes:   v.GetInt64("DEFAULT_CHUNK_BYTES"),
			MaxFileSizeBytes:    v.GetInt64("MAX_FILE_SIZE_BYTES"),
			MaxTotalChunks:      v.GetInt("MAX_TOTAL_CHUNKS"),
			MaxActiveUploads:    v.GetInt("MAX_ACTIVE_UPLOADS"),
			SessionTTL:          time.Duration(v.GetInt("SESSION_TTL_SEC")) * time.Second,
			MetaExtraTTL:        time.Duration(v.GetInt("META_EXTRA_TTL_SEC")) * time.Second,
			FinalizeLockTTL:     time.Duration(v.GetInt("FINALIZE_LOCK_TTL_SEC")) * time.Second,
			LockRefreshInterval: time.Duration(v.GetInt("LOCK_REFRESH_INTERVAL_SEC")) * time.Second,
			MinEpochs:           v.GetInt64("MIN_EPOCHS"),
			MaxEpochs:           v.GetInt64("MAX_EPOCHS"),
			DefaultEpochs:       v.GetInt64("DEFAULT_EPOCHS"),
			StaleTempThreshold:  time.Duration(v.GetInt("STALE_TEMP_THRESHOLD_SEC")) * time.Second,
		},
		Registry: RegistryConfig{
			RPCURL:         registryURL,
			FieldsCacheTTL: time.Duration(v.GetInt("FIELDS_CACHE_TTL_MS")) * time.Millisecond,
		},
		Signer: SignerConfig{
			KeyMaterial:          v.GetString("SIGNER_KEY"),
			MinBalance:           v.GetInt64("MIN_BALANCE"),
			BalanceCheckInterval: time.Duration(v.GetInt("BALANCE_CHECK_INTERVAL_SEC")) * time.Second,
		},
		ReadProxy: ReadProxyConfig{
			MaxRangeBytes:  v.GetInt64("STREAM_MAX_RANGE_BYTES"),
			MinSegmentSize: v.GetInt64("STREAM_MIN_SEGMENT_BYTES"),
			ReadTimeout:    time.Duration(v.GetInt("STREAM_READ_TIMEOUT_SEC")) * time.Second,
		},
		Reaper: ReaperConfig{
			Interval:  time.Duration(v.GetInt("REAPER_INTERVAL_SEC")) * time.Second,
			GraceTime: time.Duration(v.GetInt("REAPER_GRACE_SEC")) * time.Second,
		},
		ExposeBlobID: v.GetBool("EXPOSE_BLOB_ID"),
	}

	if net == "mainnet" && cfg.Signer.KeyMaterial == "" {
		return nil, fmt.Errorf("FLOE_SIGNER_KEY is required when FLOE_NETWORK=mainnet")
	}

	Cfg = cfg
	return cfg, nil
}

// validateTmpDir enforces the filesystem safety rules and probes writability.
func validateTmpDir(dir string) error {
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("FLOE_UPLOAD_TMP_DIR must be absolute, got %q", dir)
	}
	home, _ := os.UserHomeDir()
	clean := filepath.Clean(dir)
	if clean == "/" || clean == "/home" || (home != "" && clean == filepath.Clean(home)) {
		return fmt.Errorf("FLOE_UPLOAD_TMP_DIR refuses dangerous path %q", dir)
	}
	if err := os.MkdirAll(clean, 0o755); err != nil {
		return fmt.Errorf("FLOE_UPLOAD_TMP_DIR not creatable: %w", err)
	}
	probe := filepath.Join(clean, ".floe-write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("FLOE_UPLOAD_TMP_DIR not writable: %w", err)
	}
	_ = os.Remove(probe)
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
