// Package config loads the daemon configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitwit/paykit/billing"
	"github.com/vitwit/paykit/types"
	"github.com/vitwit/paykit/utils"
)

const (
	DefaultNetwork    = types.NetworkSolanaDevnet
	DefaultHTTPAddr   = ":8080"
	DefaultLogLevel   = "info"
	DefaultRetryCount = 3
	DefaultRetryDelay = 800 * time.Millisecond
)

// Load reads a .env file when one exists, then the PAYKIT_* variables,
// DATABASE_URL and REDIS_URL. Values already set in the environment win over
// the .env file.
func Load(files ...string) (*types.Config, error) {
	if err := godotenv.Load(files...); err != nil && !os.IsNotExist(err) {
		return nil, types.WrapError(types.ErrCodeConfigError, "failed to read .env", err)
	}

	network := types.Network(getEnv("PAYKIT_NETWORK", string(DefaultNetwork)))
	cfg := &types.Config{
		Network:         network,
		RPCUrl:          getEnv("PAYKIT_RPC_URL", network.DefaultRPCURL()),
		PaymasterURL:    os.Getenv("PAYKIT_PAYMASTER_URL"),
		FeePayer:        os.Getenv("PAYKIT_FEE_PAYER"),
		Merchant:        os.Getenv("PAYKIT_MERCHANT"),
		SignerKey:       os.Getenv("PAYKIT_SIGNER_KEY"),
		HTTPAddr:        getEnv("PAYKIT_HTTP_ADDR", DefaultHTTPAddr),
		CORSOrigins:     getList("PAYKIT_CORS_ORIGINS"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		LogLevel:        strings.ToLower(getEnv("PAYKIT_LOG_LEVEL", DefaultLogLevel)),
		BillingSchedule: getEnv("PAYKIT_BILLING_SCHEDULE", billing.DefaultSchedule),
	}

	var err error
	if cfg.RetryCount, err = getInt("PAYKIT_RETRY_COUNT", DefaultRetryCount); err != nil {
		return nil, err
	}
	if cfg.RetryDelay, err = getDuration("PAYKIT_RETRY_DELAY", DefaultRetryDelay); err != nil {
		return nil, err
	}
	if cfg.DefaultTimeout, err = getDuration("PAYKIT_TIMEOUT", 0); err != nil {
		return nil, err
	}
	if cfg.EnableMetrics, err = getBool("PAYKIT_METRICS", true); err != nil {
		return nil, err
	}

	if err := utils.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getInt(key string, fallback int) (int, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, invalid(key, v, err)
	}
	return n, nil
}

// getDuration accepts Go durations ("800ms") or a bare number of milliseconds.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, invalid(key, v, err)
	}
	return d, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, invalid(key, v, err)
	}
	return b, nil
}

func invalid(key, value string, err error) error {
	return types.WrapError(types.ErrCodeConfigError, fmt.Sprintf("invalid %s=%q", key, value), err)
}
