package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/catalog"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/pkg/server"
)

// --- catalog ---

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect protocol descriptors",
}

var catalogLintCmd = &cobra.Command{
	Use:   "lint [file-or-dir]",
	Short: "Validate descriptor files without starting the server",
	Long: `Validate descriptor files without starting the server.

Examples:
  loom catalog lint descriptors/
  loom catalog lint descriptors/email.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cat := catalog.New()

		path := args[0]
		info, err := os.Stat(path)
		if err != nil {
			return err
		}

		var n int
		if info.IsDir() {
			n, err = cat.LoadDir(path)
		} else {
			var f *os.File
			f, err = os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			n, err = cat.Load(f)
		}
		if err != nil {
			return fmt.Errorf("lint failed: %w", err)
		}

		for _, d := range cat.All() {
			fmt.Printf("ok  %-32s %s/%s\n", d.Name, d.Connector, d.Action)
		}
		fmt.Printf("%d descriptor(s) valid\n", n)
		return nil
	},
}

// --- connectors ---

var connectorsCmd = &cobra.Command{
	Use:   "connectors",
	Short: "Inspect wired connectors",
}

var connectorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the connectors the current configuration would register",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := registry.New()
		server.RegisterConnectors(reg, config.Load().Connectors)

		fmt.Printf("%-12s %-8s %-10s %-10s %s\n", "NAME", "VERSION", "P50(MS)", "COST($)", "CAPABILITIES")
		for _, c := range reg.All() {
			d := c.Descriptor()
			fmt.Printf("%-12s %-8s %-10d %-10.4f %s\n",
				d.Name, d.Version, d.Baseline.P50Ms, d.Baseline.UnitCostUSD,
				strings.Join(d.Capabilities, ", "))
		}
		return nil
	},
}

func init() {
	catalogCmd.AddCommand(catalogLintCmd)
	connectorsCmd.AddCommand(connectorsListCmd)
}
