// Command server starts the FrameMill render API HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"framemill/internal/api"
	"framemill/internal/ingest"
	"framemill/internal/observability/logging"
	"framemill/internal/observability/metrics"
	"framemill/internal/queue"
	"framemill/internal/render"
	"framemill/internal/server"
	"framemill/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	scratchDir := flag.String("scratch-dir", "", "directory for downloaded source assets")
	outputDir := flag.String("output-dir", "", "directory for finished renders")
	ffmpegPath := flag.String("ffmpeg-path", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe-path", "", "path to the ffprobe binary")
	ownerLimit := flag.Int("max-active-jobs-per-owner", 0, "maximum queued or running jobs per client fingerprint")
	allowInsecure := flag.Bool("allow-insecure-http-sources", false, "permit plain HTTP source asset URLs")
	retentionSeconds := flag.Int("job-retention-seconds", 0, "seconds a finished job stays queryable")
	sweepSeconds := flag.Int("job-retention-sweep-seconds", 0, "seconds between retention sweeps")
	defaultDurationMillis := flag.Int("default-job-duration-ms", 0, "seed for render duration estimates in milliseconds")
	stallSeconds := flag.Int("stall-timeout-min-seconds", 0, "minimum worker stall timeout in seconds")
	breakerThreshold := flag.Int("breaker-threshold", 0, "consecutive stalls before intake pauses")
	breakerCooldownSeconds := flag.Int("breaker-cooldown-seconds", 0, "seconds intake stays paused after repeated stalls")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	allowedOrigins := flag.String("allowed-origins", "", "comma separated CORS origins permitted to call the API")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	ingestConcurrency := flag.Int("ingest-concurrency", 0, "parallel source downloads per job")
	ingestTimeoutSeconds := flag.Int("ingest-timeout-seconds", 0, "seconds allowed for downloading a job's full asset batch")
	maxAssetMB := flag.Int("max-asset-mb", 0, "per-asset download size cap in megabytes")
	snapshotTTLSeconds := flag.Int("job-snapshot-ttl-seconds", 0, "seconds a Redis job snapshot lives")
	redisAddr := flag.String("redis-addr", "", "Redis address for job snapshots")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses for cluster or sentinel deployments")
	redisUsername := flag.String("redis-username", "", "Redis username for job snapshots")
	redisPassword := flag.String("redis-password", "", "Redis password for job snapshots")
	redisDB := flag.Int("redis-db", 0, "Redis logical database for job snapshots")
	redisMasterName := flag.String("redis-master-name", "", "Redis sentinel master name for job snapshots")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections for job snapshots")
	redisKeyPrefix := flag.String("redis-key-prefix", "", "prefix for Redis snapshot keys")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	blobEndpoint := flag.String("blob-endpoint", "", "object storage endpoint for job archives (e.g. http://127.0.0.1:9000)")
	blobRegion := flag.String("blob-region", "", "object storage region")
	blobBucket := flag.String("blob-bucket", "", "object storage bucket for job archives")
	blobAccessKey := flag.String("blob-access-key", "", "object storage access key")
	blobSecretKey := flag.String("blob-secret-key", "", "object storage secret key")
	blobPrefix := flag.String("blob-prefix", "", "object storage key prefix for archived jobs")
	blobUseSSL := flag.Bool("blob-use-ssl", false, "enable TLS for object storage requests")
	flag.Parse()

	serverMode := modeValue(*mode, os.Getenv("RENDER_MODE"))
	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("LOG_LEVEL")),
		Format: resolveLogFormat(*logFormat, os.Getenv("LOG_FORMAT"), serverMode),
	})
	recorder := metrics.Default()

	scratch := resolveScratchDir(*scratchDir, os.Getenv("RENDER_SCRATCH_DIR"))
	output := resolveOutputDir(*outputDir, os.Getenv("RENDER_OUTPUT_DIR"))
	for _, dir := range []string{scratch, output} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("failed to create working directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	insecureSources := *allowInsecure || serverMode != "production"
	if env, ok := os.LookupEnv("ALLOW_INSECURE_HTTP_SOURCES"); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			insecureSources = value
		} else {
			logger.Warn("invalid ALLOW_INSECURE_HTTP_SOURCES", "value", env, "error", err)
		}
	}

	ingester, err := ingest.New(ingest.Config{
		ScratchDir:    scratch,
		AllowInsecure: insecureSources,
		MaxAssetSize:  int64(resolveInt(*maxAssetMB, "MAX_ASSET_MB")) << 20,
		Concurrency:   resolveInt(*ingestConcurrency, "INGEST_CONCURRENCY"),
		BatchTimeout:  resolveSeconds(*ingestTimeoutSeconds, "INGEST_TIMEOUT_SECONDS", 0),
		FFprobePath:   firstNonEmpty(*ffprobePath, os.Getenv("FFPROBE_PATH")),
		Logger:        logging.WithComponent(logger, "ingest"),
		Metrics:       recorder,
	})
	if err != nil {
		logger.Error("failed to configure asset ingest", "error", err)
		os.Exit(1)
	}

	// The engine writes finished artifacts straight into the output
	// directory, so that is its scratch space.
	ffmpegBinary := firstNonEmpty(*ffmpegPath, os.Getenv("FFMPEG_PATH"), "ffmpeg")
	engine, err := render.NewEngine(render.EngineConfig{
		FFmpegPath: ffmpegBinary,
		ScratchDir: output,
		Logger:     logging.WithComponent(logger, "render"),
		Metrics:    recorder,
	})
	if err != nil {
		if errors.Is(err, render.ErrMissingBinary) {
			logger.Error("ffmpeg not found; install it or set FFMPEG_PATH", "error", err)
		} else {
			logger.Error("failed to configure render engine", "error", err)
		}
		os.Exit(1)
	}

	kvConfig := storage.KeyValueConfig{
		Addrs:      resolveRedisAddresses(*redisAddrs, os.Getenv("REDIS_ADDRS"), *redisAddr, os.Getenv("REDIS_ADDR")),
		Username:   firstNonEmpty(*redisUsername, os.Getenv("REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPassword, os.Getenv("REDIS_PASSWORD")),
		DB:         resolveInt(*redisDB, "REDIS_DB"),
		MasterName: firstNonEmpty(*redisMasterName, os.Getenv("REDIS_MASTER_NAME")),
		PoolSize:   resolveInt(*redisPoolSize, "REDIS_POOL_SIZE"),
		KeyPrefix:  firstNonEmpty(*redisKeyPrefix, os.Getenv("REDIS_KEY_PREFIX")),
		TTL:        resolveSeconds(*snapshotTTLSeconds, "JOB_SNAPSHOT_TTL_SECONDS", 0),
		TLS: storage.KeyValueTLS{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "REDIS_TLS_SKIP_VERIFY"),
		},
	}
	kvStore, err := storage.NewKeyValueStore(kvConfig)
	if err != nil {
		logger.Error("failed to connect Redis snapshot store", "error", err)
		os.Exit(1)
	}

	blobConfig := storage.BlobConfig{
		Bucket:    firstNonEmpty(*blobBucket, os.Getenv("BLOB_BUCKET")),
		Endpoint:  firstNonEmpty(*blobEndpoint, os.Getenv("BLOB_ENDPOINT")),
		UseSSL:    resolveBool(*blobUseSSL, "BLOB_USE_SSL"),
		AccessKey: firstNonEmpty(*blobAccessKey, os.Getenv("BLOB_ACCESS_KEY")),
		SecretKey: firstNonEmpty(*blobSecretKey, os.Getenv("BLOB_SECRET_KEY")),
		Region:    firstNonEmpty(*blobRegion, os.Getenv("BLOB_REGION")),
		Prefix:    firstNonEmpty(*blobPrefix, os.Getenv("BLOB_PREFIX")),
	}
	blobStore, err := storage.NewBlobStore(blobConfig)
	if err != nil {
		logger.Error("failed to configure blob archive store", "error", err)
		os.Exit(1)
	}

	retention := resolveSeconds(*retentionSeconds, "JOB_RETENTION_SECONDS", 24*time.Hour)
	store := storage.NewJobStore(storage.JobStoreConfig{
		Logger:    logging.WithComponent(logger, "store"),
		Metrics:   recorder,
		Snapshots: []storage.SnapshotStore{kvStore, blobStore},
		Retention: retention,
	})

	ownerLimitValue := resolveInt(*ownerLimit, "MAX_ACTIVE_JOBS_PER_OWNER")
	if ownerLimitValue <= 0 {
		ownerLimitValue = 2
	}
	jobQueue, err := queue.New(queue.Config{
		Store:              store,
		Renderer:           engine,
		Logger:             logging.WithComponent(logger, "queue"),
		Metrics:            recorder,
		OwnerLimit:         ownerLimitValue,
		DefaultJobDuration: resolveMillis(*defaultDurationMillis, "DEFAULT_JOB_DURATION_MS"),
		StallTimeoutFloor:  resolveSeconds(*stallSeconds, "STALL_TIMEOUT_MIN_SECONDS", 0),
		BreakerThreshold:   resolveInt(*breakerThreshold, "BREAKER_THRESHOLD"),
		BreakerCooldown:    resolveSeconds(*breakerCooldownSeconds, "BREAKER_COOLDOWN_SECONDS", 0),
	})
	if err != nil {
		logger.Error("failed to start job queue", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(store, jobQueue, ingester)
	handler.Logger = logging.WithComponent(logger, "api")
	handler.Metrics = recorder
	handler.OutputDir = output
	handler.ScratchDir = scratch
	handler.FFmpegPath = ffmpegBinary
	handler.KV = kvStore
	handler.Blob = blobStore

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	sweepInterval := resolveSeconds(*sweepSeconds, "JOB_RETENTION_SWEEP_SECONDS", 5*time.Minute)
	sweeperStop := startRetentionSweeper(workerCtx, logging.WithComponent(logger, "retention-sweeper"), store, sweepInterval)
	defer sweeperStop()

	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("RENDER_ADDR"))
	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("RENDER_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("RENDER_TLS_KEY")),
	}
	rateCfg := server.RateLimitConfig{
		RPS:   resolveFloat(*globalRPS, "RATE_GLOBAL_RPS"),
		Burst: resolveInt(*globalBurst, "RATE_GLOBAL_BURST"),
	}
	origins := splitAndTrim(firstNonEmpty(*allowedOrigins, os.Getenv("RENDER_ALLOWED_ORIGINS")))

	srv, err := server.New(handler, server.Config{
		Addr:      listenAddr,
		TLS:       tlsCfg,
		RateLimit: rateCfg,
		CORS:      server.CORSConfig{AllowedOrigins: origins},
		Security:  server.SecurityConfig{},
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	summary := newStartupSummary(startupSummaryInput{
		Mode:           serverMode,
		Addr:           listenAddr,
		TLSEnabled:     tlsCfg.CertFile != "" && tlsCfg.KeyFile != "",
		AllowedOrigins: origins,
		ScratchDir:     scratch,
		OutputDir:      output,
		FFmpegPath:     ffmpegBinary,
		AllowInsecure:  insecureSources,
		OwnerLimit:     ownerLimitValue,
		Retention:      retention,
		SweepInterval:  sweepInterval,
		RateLimit:      rateCfg,
		KV:             kvConfig,
		KVEnabled:      kvStore.Enabled(),
		Blob:           blobConfig,
		BlobEnabled:    blobStore.Enabled(),
	})
	logger.Info("startup configuration resolved", summary.LogArgs()...)

	errs := make(chan error, 1)
	go func() {
		logger.Info("FrameMill render API listening", "addr", listenAddr, "mode", serverMode)
		if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
			logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
		}
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	sweeperStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := jobQueue.Shutdown(ctx); err != nil {
		logger.Warn("failed to stop job queue", "error", err)
	}
	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close job store", "error", err)
	}
	if err := kvStore.Close(); err != nil {
		logger.Warn("failed to close Redis snapshot store", "error", err)
	}

	logger.Info("server stopped")
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

// defaultListenForMode keeps development instances off external interfaces.
func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":8080"
	}
	return "127.0.0.1:8080"
}

func resolveLogFormat(flagValue, envFormat, mode string) string {
	if format := firstNonEmpty(flagValue, envFormat); format != "" {
		return format
	}
	if mode == "production" {
		return "json"
	}
	return "text"
}

func resolveScratchDir(flagValue, envValue string) string {
	if dir := firstNonEmpty(flagValue, envValue); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "framemill")
}

func resolveOutputDir(flagValue, envValue string) string {
	if dir := firstNonEmpty(flagValue, envValue); dir != "" {
		return dir
	}
	return "output"
}

// resolveRedisAddresses prefers the multi-address form so sentinel and
// cluster deployments are not silently reduced to one node.
func resolveRedisAddresses(flagAddrs, envAddrs, flagAddr, envAddr string) []string {
	if addrs := splitAndTrim(firstNonEmpty(flagAddrs, envAddrs)); len(addrs) > 0 {
		return addrs
	}
	if addr := firstNonEmpty(flagAddr, envAddr); addr != "" {
		return []string{addr}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := parseFloat(env); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := parseInt(env); err == nil {
			return value
		}
	}
	return 0
}

// resolveSeconds reads a duration expressed as a whole number of seconds,
// flag first, environment second. Zero falls through to the fallback.
func resolveSeconds(flagValue int, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return time.Duration(flagValue) * time.Second
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := parseInt(env); err == nil && value > 0 {
			return time.Duration(value) * time.Second
		}
	}
	return fallback
}

// resolveMillis is resolveSeconds for millisecond-granularity settings.
func resolveMillis(flagValue int, envKey string) time.Duration {
	if flagValue > 0 {
		return time.Duration(flagValue) * time.Millisecond
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := parseInt(env); err == nil && value > 0 {
			return time.Duration(value) * time.Millisecond
		}
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}

func parseFloat(value string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(value), 64)
}

func parseInt(value string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	return v, nil
}
