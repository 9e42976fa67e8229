// Command server starts a relaycast replica: RTMP ingest, HLS and HTTP-FLV
// delivery, and the cross-replica relay endpoint.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"relaycast/internal/auth"
	"relaycast/internal/delivery"
	"relaycast/internal/hls"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/registry"
	"relaycast/internal/relay"
	"relaycast/internal/rtmp"
	"relaycast/internal/serverutil"
	"relaycast/internal/stream"
)

func main() {
	// A .env alongside the binary seeds the environment in development;
	// real deployments set variables directly.
	_ = godotenv.Load()

	httpAddr := flag.String("http-addr", "", "HTTP delivery listen address")
	rtmpAddr := flag.String("rtmp-addr", "", "RTMP ingest listen address")
	relayAddr := flag.String("relay-addr", "", "gRPC relay listen address")
	nodeName := flag.String("node", "", "this replica's registry identity; must be the host:port other replicas dial for relay")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file for the HTTP listener")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file for the HTTP listener")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	registryDriver := flag.String("registry-driver", "", "publisher registry driver (memory, redis, or postgres)")
	heartbeatInterval := flag.Duration("heartbeat-interval", 0, "publisher registry refresh cadence")
	publisherTTL := flag.Duration("publisher-ttl", 0, "silence after which a registry entry is considered stale")
	sweepInterval := flag.Duration("sweep-interval", 0, "interval between registry garbage collection passes")
	redisAddr := flag.String("registry-redis-addr", "", "Redis address for the publisher registry")
	redisAddrs := flag.String("registry-redis-addrs", "", "comma separated Redis addresses for the publisher registry")
	redisUsername := flag.String("registry-redis-username", "", "Redis username for the publisher registry")
	redisPassword := flag.String("registry-redis-password", "", "Redis password for the publisher registry")
	redisMasterName := flag.String("registry-redis-sentinel-master", "", "Redis sentinel master name for the publisher registry")
	redisKeyPrefix := flag.String("registry-redis-key-prefix", "", "Redis key prefix for publisher entries")
	redisPoolSize := flag.Int("registry-redis-pool-size", 0, "maximum Redis connections for the publisher registry")
	redisTLSCA := flag.String("registry-redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("registry-redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("registry-redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("registry-redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("registry-redis-tls-skip-verify", false, "skip Redis TLS verification")
	postgresDSN := flag.String("registry-postgres-dsn", "", "Postgres connection string for the publisher registry")
	postgresMaxConns := flag.Int("registry-postgres-max-conns", 0, "maximum connections in the registry Postgres pool")
	postgresAppName := flag.String("registry-postgres-app-name", "", "application_name reported to Postgres")
	segmentStore := flag.String("segment-store", "", "HLS segment store driver (memory, file, or s3)")
	segmentDir := flag.String("segment-dir", "", "directory for the file segment store")
	s3Endpoint := flag.String("segment-s3-endpoint", "", "S3 endpoint for the segment store (e.g. http://127.0.0.1:9000)")
	s3Bucket := flag.String("segment-s3-bucket", "", "S3 bucket for the segment store")
	s3Prefix := flag.String("segment-s3-prefix", "", "S3 key prefix for segment objects")
	s3Region := flag.String("segment-s3-region", "", "S3 region for request signing")
	s3AccessKey := flag.String("segment-s3-access-key", "", "S3 access key")
	s3SecretKey := flag.String("segment-s3-secret-key", "", "S3 secret key")
	s3UseSSL := flag.Bool("segment-s3-use-ssl", false, "enable TLS for segment store requests")
	hlsMinSegment := flag.Duration("hls-min-segment", 0, "shortest HLS segment; the cut falls on the first keyframe past it")
	hlsMaxSegment := flag.Duration("hls-max-segment", 0, "hard cap on HLS segment duration")
	hlsWindow := flag.Int("hls-window", 0, "number of segments kept in the live playlist")
	hlsEndedLinger := flag.Duration("hls-ended-linger", 0, "how long a finished stream's playlist stays available")
	secretsPath := flag.String("publish-secrets", "", "path to a file of room:media=secret lines for publisher auth")
	allowUnauthenticated := flag.Bool("allow-unauthenticated-publish", false, "accept publishers without credentials")
	relayGrace := flag.Duration("relay-grace", 0, "how long a relay session outlives its last viewer")
	relayBackoffInitial := flag.Duration("relay-backoff-initial", 0, "initial delay between relay reconnect attempts")
	relayBackoffMax := flag.Duration("relay-backoff-max", 0, "maximum delay between relay reconnect attempts")
	subscriberBuffer := flag.Int("subscriber-buffer", 0, "per-subscriber frame queue capacity")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown deadline")
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("RELAYCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("RELAYCAST_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	node := firstNonEmpty(*nodeName, os.Getenv("RELAYCAST_NODE"))
	if node == "" {
		logger.Error("node identity is required; set --node or RELAYCAST_NODE to this replica's relay host:port")
		os.Exit(1)
	}

	policy := registry.Policy{
		HeartbeatInterval: resolveDuration(*heartbeatInterval, "RELAYCAST_HEARTBEAT_INTERVAL", 0),
		TTL:               resolveDuration(*publisherTTL, "RELAYCAST_PUBLISHER_TTL", 0),
		SweepInterval:     resolveDuration(*sweepInterval, "RELAYCAST_SWEEP_INTERVAL", 0),
	}.WithDefaults()

	reg, err := buildRegistry(registryConfig{
		Driver:     firstNonEmpty(*registryDriver, os.Getenv("RELAYCAST_REGISTRY_DRIVER")),
		Policy:     policy,
		Logger:     logger,
		RedisAddr:  firstNonEmpty(*redisAddr, os.Getenv("RELAYCAST_REGISTRY_REDIS_ADDR")),
		RedisAddrs: splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("RELAYCAST_REGISTRY_REDIS_ADDRS"))),
		RedisAuth: redisAuth{
			Username:   firstNonEmpty(*redisUsername, os.Getenv("RELAYCAST_REGISTRY_REDIS_USERNAME")),
			Password:   firstNonEmpty(*redisPassword, os.Getenv("RELAYCAST_REGISTRY_REDIS_PASSWORD")),
			MasterName: firstNonEmpty(*redisMasterName, os.Getenv("RELAYCAST_REGISTRY_REDIS_SENTINEL_MASTER")),
			KeyPrefix:  firstNonEmpty(*redisKeyPrefix, os.Getenv("RELAYCAST_REGISTRY_REDIS_KEY_PREFIX")),
			PoolSize:   resolveInt(*redisPoolSize, "RELAYCAST_REGISTRY_REDIS_POOL_SIZE"),
		},
		RedisTLS: registry.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("RELAYCAST_REGISTRY_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("RELAYCAST_REGISTRY_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("RELAYCAST_REGISTRY_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("RELAYCAST_REGISTRY_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "RELAYCAST_REGISTRY_REDIS_TLS_SKIP_VERIFY"),
		},
		PostgresDSN:      firstNonEmpty(*postgresDSN, os.Getenv("RELAYCAST_REGISTRY_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		PostgresMaxConns: resolveInt(*postgresMaxConns, "RELAYCAST_REGISTRY_POSTGRES_MAX_CONNS"),
		PostgresAppName:  firstNonEmpty(*postgresAppName, os.Getenv("RELAYCAST_REGISTRY_POSTGRES_APP_NAME")),
	})
	if err != nil {
		logger.Error("failed to configure publisher registry", "error", err)
		os.Exit(1)
	}

	storage, err := buildSegmentStorage(
		firstNonEmpty(*segmentStore, os.Getenv("RELAYCAST_SEGMENT_STORE")),
		firstNonEmpty(*segmentDir, os.Getenv("RELAYCAST_SEGMENT_DIR")),
		hls.S3Config{
			Endpoint:  firstNonEmpty(*s3Endpoint, os.Getenv("RELAYCAST_SEGMENT_S3_ENDPOINT")),
			Bucket:    firstNonEmpty(*s3Bucket, os.Getenv("RELAYCAST_SEGMENT_S3_BUCKET")),
			Prefix:    firstNonEmpty(*s3Prefix, os.Getenv("RELAYCAST_SEGMENT_S3_PREFIX")),
			Region:    firstNonEmpty(*s3Region, os.Getenv("RELAYCAST_SEGMENT_S3_REGION")),
			AccessKey: firstNonEmpty(*s3AccessKey, os.Getenv("RELAYCAST_SEGMENT_S3_ACCESS_KEY")),
			SecretKey: firstNonEmpty(*s3SecretKey, os.Getenv("RELAYCAST_SEGMENT_S3_SECRET_KEY")),
			UseSSL:    resolveBool(*s3UseSSL, "RELAYCAST_SEGMENT_S3_USE_SSL"),
		},
	)
	if err != nil {
		logger.Error("failed to configure segment store", "error", err)
		os.Exit(1)
	}

	authenticator, err := buildAuthenticator(
		firstNonEmpty(*secretsPath, os.Getenv("RELAYCAST_PUBLISH_SECRETS")),
		resolveBool(*allowUnauthenticated, "RELAYCAST_ALLOW_UNAUTHENTICATED_PUBLISH"),
	)
	if err != nil {
		logger.Error("failed to load publish secrets", "error", err)
		os.Exit(1)
	}

	hubConfig := stream.HubConfig{
		SubscriberBuffer: resolveInt(*subscriberBuffer, "RELAYCAST_SUBSCRIBER_BUFFER"),
		OnDrop:           recorder.ObserveDroppedFrames,
		Logger:           logger,
	}
	directory := stream.NewDirectory()

	hlsService := hls.NewService(hls.ServiceConfig{
		Remuxer: hls.RemuxerConfig{
			MinSegmentDuration: resolveDuration(*hlsMinSegment, "RELAYCAST_HLS_MIN_SEGMENT", 0),
			MaxSegmentDuration: resolveDuration(*hlsMaxSegment, "RELAYCAST_HLS_MAX_SEGMENT", 0),
			WindowSize:         resolveInt(*hlsWindow, "RELAYCAST_HLS_WINDOW"),
			Storage:            storage,
			Metrics:            recorder,
			Logger:             logger,
		},
		EndedLinger: resolveDuration(*hlsEndedLinger, "RELAYCAST_HLS_ENDED_LINGER", time.Minute),
		Logger:      logger,
	})
	directory.SetObserver(hlsService)

	relayManager, err := relay.NewManager(relay.ManagerConfig{
		Node:      node,
		Directory: directory,
		Registry:  reg,
		Metrics:   recorder,
		Logger:    logger,
		Hub:       hubConfig,
		Backoff: relay.Backoff{
			Initial: resolveDuration(*relayBackoffInitial, "RELAYCAST_RELAY_BACKOFF_INITIAL", 0),
			Max:     resolveDuration(*relayBackoffMax, "RELAYCAST_RELAY_BACKOFF_MAX", 0),
		},
		GracePeriod: resolveDuration(*relayGrace, "RELAYCAST_RELAY_GRACE", 0),
	})
	if err != nil {
		logger.Error("failed to configure relay", "error", err)
		os.Exit(1)
	}

	ingestServer, err := rtmp.NewServer(rtmp.Config{
		Node:      node,
		Directory: directory,
		Registry:  reg,
		Auth:      authenticator,
		Metrics:   recorder,
		Logger:    logger,
		Heartbeat: policy.HeartbeatInterval,
		Hub:       hubConfig,
	})
	if err != nil {
		logger.Error("failed to configure ingest", "error", err)
		os.Exit(1)
	}

	relayService, err := relay.NewServer(relay.ServerConfig{
		Directory: directory,
		Metrics:   recorder,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to configure relay endpoint", "error", err)
		os.Exit(1)
	}
	relayServer := relay.NewGRPCServer(relayService)

	deliveryServer, err := delivery.NewServer(delivery.Config{
		Directory: directory,
		Relay:     relayManager,
		HLS:       hlsService,
		Registry:  reg,
		Metrics:   recorder,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to configure delivery", "error", err)
		os.Exit(1)
	}

	httpListen := firstNonEmpty(*httpAddr, os.Getenv("RELAYCAST_HTTP_ADDR"), ":8080")
	rtmpListen := firstNonEmpty(*rtmpAddr, os.Getenv("RELAYCAST_RTMP_ADDR"), ":1935")
	relayListen := firstNonEmpty(*relayAddr, os.Getenv("RELAYCAST_RELAY_ADDR"), ":9090")
	stopTimeout := resolveDuration(*shutdownTimeout, "RELAYCAST_SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("HTTP delivery listening", "addr", httpListen)
		return serverutil.RunHTTP(ctx, serverutil.HTTPConfig{
			Server: &http.Server{Addr: httpListen, Handler: deliveryServer.Handler()},
			TLS: serverutil.TLSConfig{
				CertFile: firstNonEmpty(*tlsCert, os.Getenv("RELAYCAST_TLS_CERT")),
				KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("RELAYCAST_TLS_KEY")),
			},
			ShutdownTimeout: stopTimeout,
		})
	})
	group.Go(func() error {
		logger.Info("RTMP ingest listening", "addr", rtmpListen)
		return serverutil.RunListener(ctx, serverutil.ListenerConfig{
			Addr:        rtmpListen,
			Serve:       func(ln net.Listener) error { return ingestServer.Serve(ctx, ln) },
			StopTimeout: stopTimeout,
		})
	})
	group.Go(func() error {
		logger.Info("relay endpoint listening", "addr", relayListen, "node", node)
		return serverutil.RunListener(ctx, serverutil.ListenerConfig{
			Addr:        relayListen,
			Serve:       relayServer.Serve,
			Stop:        relayServer.GracefulStop,
			StopTimeout: stopTimeout,
		})
	})
	if sweeper, ok := reg.(registry.Sweeper); ok {
		group.Go(func() error {
			err := sweeper.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	relayManager.Close()
	hlsService.Close()
	if closer, ok := reg.(interface{ Close() }); ok {
		closer.Close()
	} else if closer, ok := reg.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	logger.Info("server stopped")
}

type redisAuth struct {
	Username   string
	Password   string
	MasterName string
	KeyPrefix  string
	PoolSize   int
}

type registryConfig struct {
	Driver           string
	Policy           registry.Policy
	Logger           *slog.Logger
	RedisAddr        string
	RedisAddrs       []string
	RedisAuth        redisAuth
	RedisTLS         registry.RedisTLSConfig
	PostgresDSN      string
	PostgresMaxConns int
	PostgresAppName  string
}

func buildRegistry(cfg registryConfig) (registry.Registry, error) {
	cfg.Policy = cfg.Policy.WithDefaults()
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("registry policy: %w", err)
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		switch {
		case cfg.RedisAddr != "" || len(cfg.RedisAddrs) > 0:
			driver = "redis"
		case cfg.PostgresDSN != "":
			driver = "postgres"
		default:
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return registry.NewMemory(registry.MemoryConfig{Policy: cfg.Policy, Logger: cfg.Logger}), nil
	case "redis":
		return registry.NewRedis(registry.RedisConfig{
			Addr:       cfg.RedisAddr,
			Addrs:      cfg.RedisAddrs,
			Username:   cfg.RedisAuth.Username,
			Password:   cfg.RedisAuth.Password,
			MasterName: cfg.RedisAuth.MasterName,
			KeyPrefix:  cfg.RedisAuth.KeyPrefix,
			PoolSize:   cfg.RedisAuth.PoolSize,
			Policy:     cfg.Policy,
			Logger:     cfg.Logger,
			TLS:        cfg.RedisTLS,
		})
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return registry.NewPostgres(ctx, registry.PostgresConfig{
			DSN:      cfg.PostgresDSN,
			Policy:   cfg.Policy,
			Logger:   cfg.Logger,
			MaxConns: int32(cfg.PostgresMaxConns),
			AppName:  cfg.PostgresAppName,
		})
	default:
		return nil, fmt.Errorf("unsupported registry driver %q", driver)
	}
}

func buildSegmentStorage(driver, dir string, s3 hls.S3Config) (hls.SegmentStorage, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		switch {
		case s3.Endpoint != "" || s3.Bucket != "":
			driver = "s3"
		case dir != "":
			driver = "file"
		default:
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return hls.NewMemoryStorage(), nil
	case "file":
		if dir == "" {
			return nil, fmt.Errorf("file segment store selected without --segment-dir")
		}
		return hls.NewFileStorage(dir)
	case "s3":
		return hls.NewS3Storage(s3)
	default:
		return nil, fmt.Errorf("unsupported segment store driver %q", driver)
	}
}

func buildAuthenticator(secretsPath string, allowUnauthenticated bool) (auth.Authenticator, error) {
	if secretsPath == "" {
		if allowUnauthenticated {
			return auth.AllowAll{}, nil
		}
		return nil, fmt.Errorf("no publish secrets configured: provide --publish-secrets or set --allow-unauthenticated-publish")
	}
	secrets, err := loadSecretsFile(secretsPath)
	if err != nil {
		return nil, err
	}
	return auth.NewStatic(secrets)
}

// loadSecretsFile reads room:media=secret lines. Blank lines and lines
// starting with # are ignored.
func loadSecretsFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	secrets := make(map[string]string)
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, secret, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected room:media=secret", path, line)
		}
		secrets[strings.TrimSpace(key)] = strings.TrimSpace(secret)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return secrets, nil
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

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
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
