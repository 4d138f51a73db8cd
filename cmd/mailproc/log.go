package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gotrs-io/gotrs-mailproc/internal/store"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the activity log kept in the database",
	RunE:  runLog,
}

var (
	logSource string
	logLabel  string
	logLimit  int
)

func init() {
	logCmd.Flags().StringVar(&logSource, "source", "", "Only entries from this source (dispatch, handler, send)")
	logCmd.Flags().StringVar(&logLabel, "label", "", "Only entries with this label")
	logCmd.Flags().IntVar(&logLimit, "limit", 20, "Maximum number of entries")
	rootCmd.AddCommand(logCmd)
}

func runLog(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Database.Enabled {
		return errors.New("database is disabled: set database.enabled")
	}
	ctx := cmd.Context()
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	entries, err := st.Logs(ctx, store.LogFilter{Source: logSource, Label: logLabel, Limit: logLimit})
	if err != nil {
		return err
	}
	return printLog(os.Stdout, entries)
}

func printLog(out io.Writer, entries []store.LogEntry) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tSOURCE\tLABEL\tVALUE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.ID, e.CreatedAt.Local().Format(time.DateTime), e.Source, e.Label, e.Value)
	}
	return tw.Flush()
}
