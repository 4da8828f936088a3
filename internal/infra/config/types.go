package config

import "strings"

// Environment identifies the runtime environment where tickwire operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// StorageBackend selects where session state is persisted.
type StorageBackend string

const (
	StorageMemory   StorageBackend = "memory"
	StorageRedis    StorageBackend = "redis"
	StoragePostgres StorageBackend = "postgres"
)

func normalizeBackend(raw StorageBackend) StorageBackend {
	trimmed := strings.ToLower(strings.TrimSpace(string(raw)))
	switch trimmed {
	case "", "mem", "inmemory":
		return StorageMemory
	case "pg", "postgresql":
		return StoragePostgres
	default:
		return StorageBackend(trimmed)
	}
}
