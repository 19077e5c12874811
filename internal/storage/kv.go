package storage

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"framemill/internal/models"
)

const (
	defaultKeyPrefix  = "video-job:"
	defaultKVTTL      = 24 * time.Hour
	kvConnectTimeout  = 5 * time.Second
	kvMaxCommandRetry = 2
)

// KeyValueTLS controls TLS behaviour for the Redis connection.
type KeyValueTLS struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// KeyValueConfig configures the Redis snapshot tier. Leaving Addr and Addrs
// empty disables the tier.
type KeyValueConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	DB           int
	KeyPrefix    string
	TTL          time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MasterName   string
	TLS          KeyValueTLS
}

// KeyValueStore mirrors job records into Redis under {prefix}{jobID} with a
// rolling TTL, so snapshots age out on their own.
type KeyValueStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewKeyValueStore connects to Redis and verifies the connection with a ping.
// An empty address list yields a disabled store and no error.
func NewKeyValueStore(cfg KeyValueConfig) (*KeyValueStore, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return &KeyValueStore{}, nil
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultKVTTL
	}
	tlsConfig, err := buildKVTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DB:           cfg.DB,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   kvMaxCommandRetry,
	})
	store := &KeyValueStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
	ctx, cancel := context.WithTimeout(context.Background(), kvConnectTimeout)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return store, nil
}

func (kv *KeyValueStore) Name() string { return "kv" }

// Enabled reports whether a Redis connection is configured.
func (kv *KeyValueStore) Enabled() bool { return kv != nil && kv.client != nil }

func (kv *KeyValueStore) key(id string) string { return kv.prefix + id }

// Store writes the job record as JSON with the configured TTL.
func (kv *KeyValueStore) Store(ctx context.Context, job models.Job) error {
	if !kv.Enabled() {
		return nil
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	seconds := int64(kv.ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return kv.client.Do(ctx, "SET", kv.key(job.ID), string(payload), "EX", seconds).Err()
}

// Load fetches and decodes the record for id. A missing key is not an error.
func (kv *KeyValueStore) Load(ctx context.Context, id string) (models.Job, bool, error) {
	if !kv.Enabled() {
		return models.Job{}, false, nil
	}
	raw, err := kv.client.Do(ctx, "GET", kv.key(id)).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Job{}, false, nil
		}
		return models.Job{}, false, err
	}
	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return models.Job{}, false, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, true, nil
}

// Delete removes the record for id.
func (kv *KeyValueStore) Delete(ctx context.Context, id string) error {
	if !kv.Enabled() {
		return nil
	}
	return kv.client.Do(ctx, "DEL", kv.key(id)).Err()
}

// Ping verifies the connection.
func (kv *KeyValueStore) Ping(ctx context.Context) error {
	if !kv.Enabled() {
		return nil
	}
	return kv.client.Do(ctx, "PING").Err()
}

// Close releases the underlying connection pool.
func (kv *KeyValueStore) Close() error {
	if !kv.Enabled() {
		return nil
	}
	return kv.client.Close()
}

func buildKVTLSConfig(cfg KeyValueTLS) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
