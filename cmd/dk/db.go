package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/darkroom/internal/config"
	"github.com/zulandar/darkroom/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBResetCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the Darkroom database",
		Long:  "Creates the database (mysql only) and migrates the history table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "darkroom.yaml", "path to Darkroom config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded config from %s (storage: %s)\n", configPath, cfg.Storage.Driver)

	// mysql needs the database created first; sqlite creates its file on open.
	if cfg.Storage.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(cfg.Storage.Host, cfg.Storage.Port)
		if err != nil {
			return fmt.Errorf("connect to mysql at %s:%d: %w", cfg.Storage.Host, cfg.Storage.Port, err)
		}
		if err := db.CreateDatabase(adminDB, cfg.Storage.Database); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.Storage.Database)
	}

	gormDB, err := db.Connect(cfg.Storage)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	fmt.Fprintln(out, "\nDarkroom database initialized successfully.")
	return nil
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and re-initialize the Darkroom database",
		Long: `Deletes all history and re-creates the schema.

The history table is the only durable state; resetting it also resets every
user's session, since sessions are replayed from history.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, configPath, yes)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "darkroom.yaml", "path to Darkroom config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runDBReset(cmd *cobra.Command, configPath string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	target := cfg.Storage.Path
	if cfg.Storage.Driver == "mysql" {
		target = cfg.Storage.Database
	}
	if !skipConfirm && !confirmReset(cmd, target) {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	switch cfg.Storage.Driver {
	case "sqlite":
		if err := os.Remove(cfg.Storage.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", cfg.Storage.Path, err)
		}
		fmt.Fprintf(out, "Removed %s\n", cfg.Storage.Path)
	case "mysql":
		adminDB, err := db.ConnectAdmin(cfg.Storage.Host, cfg.Storage.Port)
		if err != nil {
			return fmt.Errorf("connect to mysql at %s:%d: %w", cfg.Storage.Host, cfg.Storage.Port, err)
		}
		if err := db.DropDatabase(adminDB, cfg.Storage.Database); err != nil {
			return err
		}
		fmt.Fprintf(out, "Dropped database %s\n", cfg.Storage.Database)
		if err := db.CreateDatabase(adminDB, cfg.Storage.Database); err != nil {
			return err
		}
	}

	gormDB, err := db.Connect(cfg.Storage)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	fmt.Fprintln(out, "\nDarkroom database reset successfully.")
	return nil
}

func confirmReset(cmd *cobra.Command, target string) bool {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

	fmt.Fprintf(out, "WARNING: This will permanently delete all history in %q.\n", target)
	fmt.Fprintln(out, "This action cannot be undone.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}
