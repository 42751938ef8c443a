package redisutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	envRedisTLSCA         = "REDIS_TLS_CA"
	envRedisTLSCert       = "REDIS_TLS_CERT"
	envRedisTLSKey        = "REDIS_TLS_KEY"
	envRedisTLSInsecure   = "REDIS_TLS_INSECURE"
	envRedisTLSServerName = "REDIS_TLS_SERVER_NAME"
	envRedisClusterAddrs  = "REDIS_CLUSTER_ADDRESSES"
	envRedisPoolSize      = "REDIS_POOL_SIZE"
	envRedisMinIdleConns  = "REDIS_MIN_IDLE_CONNS"
)

// NewClient creates a Redis universal client with optional TLS and clustering
// support. minPoolSize is a floor on the pool size (0 means "let go-redis
// pick its own default"): callers whose concurrency model holds a
// connection per blocking caller for the duration of a long-lived call
// (e.g. the Queue's BLPop-based workers, spec.md §4.4) should pass at least
// their worker count so those callers never starve requests that only need
// a connection briefly. REDIS_POOL_SIZE/REDIS_MIN_IDLE_CONNS override this
// from the environment, following this file's existing REDIS_TLS_* idiom.
func NewClient(url string, minPoolSize int) (redis.UniversalClient, error) {
	uopts, err := BuildUniversalOptions(url, minPoolSize)
	if err != nil {
		return nil, err
	}
	return redis.NewUniversalClient(uopts), nil
}

// BuildUniversalOptions assembles the UniversalOptions NewClient passes to
// go-redis, split out so pool-sizing/TLS/cluster behavior can be asserted
// directly without a live connection.
func BuildUniversalOptions(url string, minPoolSize int) (*redis.UniversalOptions, error) {
	opts, err := ParseOptions(url)
	if err != nil {
		return nil, err
	}
	addrs := parseAddrListEnv(envRedisClusterAddrs)
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	poolSize := minPoolSize
	if envSize := parseIntEnv(envRedisPoolSize); envSize > 0 {
		poolSize = envSize
	}
	return &redis.UniversalOptions{
		Addrs:        addrs,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		TLSConfig:    opts.TLSConfig,
		PoolSize:     poolSize,
		MinIdleConns: parseIntEnv(envRedisMinIdleConns),
	}, nil
}

// ParseOptions parses a Redis URL and applies TLS settings from the environment.
func ParseOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if err := applyTLSFromEnv(opts); err != nil {
		return nil, err
	}
	return opts, nil
}

func applyTLSFromEnv(opts *redis.Options) error {
	if opts == nil {
		return nil
	}
	tlsConfig, err := tlsConfigFromEnv(opts.TLSConfig)
	if err != nil {
		return err
	}
	if tlsConfig != nil {
		opts.TLSConfig = tlsConfig
	}
	return nil
}

func tlsConfigFromEnv(existing *tls.Config) (*tls.Config, error) {
	caPath := strings.TrimSpace(os.Getenv(envRedisTLSCA))
	certPath := strings.TrimSpace(os.Getenv(envRedisTLSCert))
	keyPath := strings.TrimSpace(os.Getenv(envRedisTLSKey))
	serverName := strings.TrimSpace(os.Getenv(envRedisTLSServerName))
	insecure := parseBoolEnv(envRedisTLSInsecure)

	if caPath == "" && certPath == "" && keyPath == "" && serverName == "" && !insecure {
		return existing, nil
	}

	var cfg *tls.Config
	if existing != nil {
		cfg = existing.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if serverName != "" {
		cfg.ServerName = serverName
	}
	if insecure {
		cfg.InsecureSkipVerify = true
	}

	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls ca read: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			return nil, fmt.Errorf("redis tls ca parse: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("redis tls cert/key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func parseBoolEnv(key string) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func parseIntEnv(key string) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return 0
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseAddrListEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
