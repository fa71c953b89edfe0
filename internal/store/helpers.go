package store

import "strings"

// DetectDSNType classifies a DSN as "redis", "postgres" or "sqlite" so
// callers can pick the matching constructor. File paths (the default for
// local deployments) are treated as SQLite.
func DetectDSNType(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://"):
		return "redis"
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host="):
		return "postgres"
	default:
		return "sqlite"
	}
}
