package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/darkroom/internal/config"
	"github.com/zulandar/darkroom/internal/courier"
	"github.com/zulandar/darkroom/internal/db"
	"github.com/zulandar/darkroom/internal/history"
	"github.com/zulandar/darkroom/internal/models"
)

func newHistoryCmd() *cobra.Command {
	var (
		configPath string
		user       string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the generation history log",
		Long: `Lists history entries, newest first. With --user, shows one user's full
log in replay order. The user may be given as a numeric key or as
platform:id (e.g. discord:123456789).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, configPath, user, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "darkroom.yaml", "path to Darkroom config file")
	cmd.Flags().StringVarP(&user, "user", "u", "", "filter to one user (numeric key or platform:id)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max entries to show (ignored with --user)")
	return cmd
}

func runHistory(cmd *cobra.Command, configPath, user string, limit int) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Storage)
	if err != nil {
		return err
	}
	hist, err := history.New(gormDB)
	if err != nil {
		return err
	}

	var entries []models.HistoryEntry
	if user != "" {
		userID, err := parseUserArg(user)
		if err != nil {
			return err
		}
		entries, err = hist.ForUser(userID)
		if err != nil {
			return err
		}
	} else {
		entries, err = hist.Recent(limit)
		if err != nil {
			return err
		}
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No history entries.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWHEN\tUSER\tACTION\tMODEL\tORIENT\tPROMPT")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID,
			e.CreatedAt.Format("2006-01-02 15:04"),
			e.UserName,
			formatAction(e),
			formatModelCol(e.Model, cfg),
			formatOrientCol(e.Orientation, cfg),
			truncate(e.Prompt, 60),
		)
	}
	return w.Flush()
}

// parseUserArg accepts a raw int64 user key or a platform:id pair.
func parseUserArg(arg string) (int64, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return id, nil
	}
	platform, id, ok := strings.Cut(arg, ":")
	if !ok || platform == "" || id == "" {
		return 0, fmt.Errorf("history: invalid user %q (want numeric key or platform:id)", arg)
	}
	return courier.UserKey(platform, id), nil
}

func formatAction(e models.HistoryEntry) string {
	if e.Blocked {
		return e.Action + " [blocked]"
	}
	return e.Action
}

func formatModelCol(index int, cfg *config.Config) string {
	if index < 0 {
		return "-"
	}
	if m, ok := cfg.Model(index); ok {
		return m.Name
	}
	return fmt.Sprintf("#%d", index)
}

func formatOrientCol(index int, cfg *config.Config) string {
	if index < 0 {
		return "-"
	}
	if o, ok := cfg.Orientation(index); ok {
		return o
	}
	return fmt.Sprintf("#%d", index)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
