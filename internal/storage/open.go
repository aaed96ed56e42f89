package storage

import (
	"context"
	"fmt"
	"strings"

	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

// Open initializes the configured store. It returns (nil, nil) when storage
// is disabled; callers treat a nil Store as memory-only operation.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}
