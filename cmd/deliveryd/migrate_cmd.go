package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iota-uz/telemetry-sdk/pkg/configuration"
	"github.com/iota-uz/telemetry-sdk/pkg/delivery/store/postgres"
	"github.com/iota-uz/telemetry-sdk/pkg/delivery/store/sqlite"
)

type migrateOutput struct {
	Command string `json:"command"`
	Driver  string `json:"driver"`
	Version int64  `json:"version,omitempty"`
	Table   string `json:"table,omitempty"`
}

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the queue schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(flags)
			if err != nil {
				return err
			}
			defer conf.Unload()
			ctx := cmd.Context()

			switch conf.Store.Driver {
			case configuration.StoreSQLite:
				st, err := openSQLite(ctx, conf, true)
				if err != nil {
					return err
				}
				defer st.Close()
				version, err := sqlite.Migrate(ctx, st.DB().DB)
				if err != nil {
					return err
				}
				return writeJSON(migrateOutput{Command: "migrate", Driver: conf.Store.Driver, Version: version})
			case configuration.StorePostgres:
				pool, err := connectDB(ctx, conf.Database.Opts)
				if err != nil {
					return err
				}
				defer pool.Close()
				table, err := postgres.ParseIdentifier(conf.Store.Table)
				if err != nil {
					return err
				}
				st, err := postgres.New(pool, table, postgres.Options{RetentionHorizon: conf.Delivery.RetentionHorizon})
				if err != nil {
					return err
				}
				if err := st.EnsureSchema(ctx); err != nil {
					return err
				}
				return writeJSON(migrateOutput{Command: "migrate", Driver: conf.Store.Driver, Table: postgres.TableLabel(table)})
			default:
				return fmt.Errorf("STORE_DRIVER=%s has no schema to migrate", conf.Store.Driver)
			}
		},
	}
}
