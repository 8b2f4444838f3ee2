package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"museum-auth/internal/bootstrap"
	"museum-auth/internal/config"
	"museum-auth/internal/service"
)

var (
	verbose bool
	logger  *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "museumctl",
	Short: "Account administration for the museum catalog",
	Long: `museumctl manages catalog accounts directly against the credential store.

It reads the same MUSEUM_* environment and config file as the server.

Example usage:
  museumctl create-user --email a@b.org --username alice --role admin
  museumctl set-role --id 7 --role standard`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := "warn"
		if verbose {
			level = "debug"
		}
		logger = bootstrap.NewLogger(level)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// openUsers loads config and returns a user service plus its database.
func openUsers(ctx context.Context) (service.UserService, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, err := bootstrap.OpenDatabase(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	users, err := bootstrap.UserRepository(ctx, cfg, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return bootstrap.UserService(cfg, users, logger), db, nil
}
