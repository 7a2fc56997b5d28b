package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukex/runflow/pkg/persistence"
	"github.com/dukex/runflow/pkg/persistence/file"
	"github.com/dukex/runflow/pkg/persistence/postgresql"
	"github.com/dukex/runflow/pkg/persistence/redis"
	goredis "github.com/redis/go-redis/v9"
)

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql", "redis", "rediss"}

// NewPersistence opens the store named by the scheme of databaseURL. A redis
// URL reuses client when one is given. Unknown schemes fall back to the file
// store rooted at the URL path.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string, client *goredis.Client) (persistence.Persistence, error) {
	provider := parsePersistenceProvider(databaseURL)

	switch provider {
	case "postgres", "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, err
		}

		return store, nil
	case "redis", "rediss":
		if client != nil {
			return redis.NewPersistenceWithClient(client, logger), nil
		}

		store, err := redis.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, err
		}

		return store, nil
	default:
		return file.NewPersistence(filePath(databaseURL), logger), nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")
	if len(parts) < 2 {
		return "file"
	}

	provider := parts[0]
	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}

func filePath(databaseURL string) string {
	return strings.TrimPrefix(databaseURL, "file://")
}
