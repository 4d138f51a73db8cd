package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gotrs-io/gotrs-mailproc/internal/email/inbound/router"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the route manifest in resolution order",
	Long: `Routes compiles every template in the manifest and prints the routes per
target in the order they are tried. Handler names are not checked against the
built-in set, so a manifest can be linted without a database.`,
	RunE: runRoutes,
}

func init() {
	rootCmd.AddCommand(routesCmd)
}

func runRoutes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := manifestPath(cfg)
	if path == "" {
		return errors.New("no route manifest: set routes.manifest or --routes")
	}
	m, err := router.LoadManifest(path)
	if err != nil {
		return err
	}
	table, err := compileManifest(m)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return printRoutes(os.Stdout, table)
}

// compileManifest applies m with a placeholder for every handler it names.
func compileManifest(m *router.Manifest) (*router.Table, error) {
	registry := router.HandlerRegistry{}
	for _, r := range m.Routes {
		registry[r.Handler] = func(context.Context, *router.Request) error { return nil }
	}
	table := router.NewTable()
	if err := m.Apply(table, registry); err != nil {
		return nil, err
	}
	return table, nil
}

func printRoutes(out io.Writer, table *router.Table) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\t#\tTEMPLATE\tHANDLER\tCAPTURES")
	for _, target := range router.Targets() {
		for i, r := range table.Routes(target) {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
				target, i+1, r.Pattern.Template(), r.Name, strings.Join(r.Pattern.Names(), ","))
		}
	}
	return tw.Flush()
}
