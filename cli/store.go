package cli

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/relaykit/sessionbus/store"
)

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("driver", "sqlite", "Store driver: sqlite or postgres")
	cmd.Flags().String("dsn", "sessionbus.db", "Data source name for the chosen driver")
}

// openStore resolves --driver/--dsn into a store.Store, following the same
// flag-resolution shape as the teacher's resolveServeSQLiteDSN.
func openStore(cmd *cobra.Command) (store.Store, func() error, error) {
	driver, _ := cmd.Flags().GetString("driver")
	dsn, _ := cmd.Flags().GetString("dsn")

	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "":
		st, err := store.NewSQLiteStore(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return st, st.Close, nil
	case "postgres", "postgresql", "pg":
		pool, err := pgxpool.New(cmd.Context(), dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres pool: %w", err)
		}
		st := store.NewPostgresStore(pool)
		if err := st.EnsureSchema(cmd.Context()); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensuring postgres schema: %w", err)
		}
		return st, func() error { pool.Close(); return nil }, nil
	default:
		return nil, nil, exitError(exitConfig, "unsupported store driver %q", driver)
	}
}
