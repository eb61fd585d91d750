package adapter

import (
	"github.com/crosspool/crosspool/internal/config"
	"github.com/crosspool/crosspool/internal/dberr"
)

// New constructs the adapter for the configured backend kind. InfluxDB is a
// recognized kind with no adapter in this build.
func New(cfg config.DatabaseConfig) (Adapter, error) {
	switch cfg.Kind {
	case config.KindMSSQL, config.KindPostgreSQL, config.KindSQLite:
		return newSQLAdapter(cfg)
	case config.KindRedis:
		return newRedisAdapter(cfg)
	case config.KindInfluxDB:
		return nil, dberr.Unsupported("backend %s has no adapter in this build", cfg.Kind)
	default:
		return nil, dberr.Unsupported("unknown backend kind %q", cfg.Kind)
	}
}
