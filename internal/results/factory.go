package results

import (
	"context"
	"fmt"
	"strings"
)

// NewStore picks the backend from databaseURL: empty is in-memory,
// postgres:// or postgresql:// is PostgreSQL, sqlite:<path> is a SQLite file.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	u := strings.TrimSpace(databaseURL)
	switch {
	case u == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return NewPostgresStore(ctx, u)
	case strings.HasPrefix(u, "sqlite:"):
		return NewSQLiteStore(ctx, sqlitePath(u))
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme in %q", redactURL(u))
	}
}

func sqlitePath(u string) string {
	p := strings.TrimPrefix(u, "sqlite:")
	p = strings.TrimPrefix(p, "//")
	if p == "" || p == ":memory:" {
		return ":memory:"
	}
	return p
}

func redactURL(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		return u[:i+3] + "..."
	}
	if len(u) > 12 {
		return u[:12] + "..."
	}
	return u
}
