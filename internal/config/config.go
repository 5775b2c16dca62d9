// Package config loads the relay's process configuration from the
// environment. All variables are required, matching the original source's
// env::var(...).unwrap() semantics: an incomplete environment is a startup
// failure, not a silently-defaulted one.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pzread/flux/internal/validation"
)

// Config holds the relay's runtime configuration.
type Config struct {
	ServerAddress   string
	NumWorker       int
	PoolSize        int
	DeactiveTimeout time.Duration
	MetaCapacity    uint64
	DataCapacity    uint64
}

// LoadConfig reads and validates every required environment variable.
// It returns an error naming the first missing or malformed variable rather
// than defaulting it, so a misconfigured deployment fails fast at startup.
func LoadConfig() (*Config, error) {
	addr, err := requireString("SERVER_ADDRESS")
	if err != nil {
		return nil, err
	}
	numWorker, err := requireInt("NUM_WORKER")
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateRangeInt(numWorker, 1, 1<<16); err != nil {
		return nil, fmt.Errorf("config: NUM_WORKER %w", err)
	}
	poolSize, err := requireInt("POOL_SIZE")
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateRangeInt(poolSize, 0, 1<<30); err != nil {
		return nil, fmt.Errorf("config: POOL_SIZE %w", err)
	}
	deactiveSeconds, err := requireInt("DEACTIVE_TIMEOUT")
	if err != nil {
		return nil, err
	}
	metaCapacity, err := requireUint64("META_CAPACITY")
	if err != nil {
		return nil, err
	}
	dataCapacity, err := requireUint64("DATA_CAPACITY")
	if err != nil {
		return nil, err
	}

	return &Config{
		ServerAddress:   addr,
		NumWorker:       numWorker,
		PoolSize:        poolSize,
		DeactiveTimeout: time.Duration(deactiveSeconds) * time.Second,
		MetaCapacity:    metaCapacity,
		DataCapacity:    dataCapacity,
	}, nil
}

func requireString(name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", fmt.Errorf("config: required environment variable %s is not set", name)
	}
	return v, nil
}

func requireInt(name string) (int, error) {
	v, err := requireString(name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", name, err)
	}
	return n, nil
}

func requireUint64(name string) (uint64, error) {
	v, err := requireString(name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a non-negative integer: %w", name, err)
	}
	return n, nil
}
