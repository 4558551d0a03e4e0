package schedstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	db, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(ctx, db))
	return New(db)
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()

	db, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, Migrate(ctx, db))

	var version int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&version))
	require.Equal(t, SchemaVersion, version)
}

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{"memory", Config{Path: ":memory:"}, ":memory:", false},
		{"plain path", Config{Path: "data/sched.db"}, "file:data/sched.db", false},
		{"file dsn passthrough", Config{Path: "file:data/sched.db"}, "file:data/sched.db", false},
		{"url wins over path", Config{URL: "libsql://db.example.io", Path: "x.db"}, "libsql://db.example.io", false},
		{"empty", Config{}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildDSN(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestAddAuthToken(t *testing.T) {
	got, err := addAuthToken("libsql://db.example.io", "secret")
	require.NoError(t, err)
	require.Contains(t, got, "authToken=secret")

	// Explicit token in the URL is not overwritten.
	got, err = addAuthToken("libsql://db.example.io?authToken=orig", "secret")
	require.NoError(t, err)
	require.Contains(t, got, "authToken=orig")
}
