// Package cli is the command-line boundary over the core stores, the
// rule compiler and the health cache.
package cli

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"singtool/core/nodes"
	"singtool/core/routing"
	"singtool/internal/paths"
)

var (
	baseDir string
	verbose bool
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "singtool",
		Short: "Operator tool for a local sing-box proxy engine",
		Long: `singtool manages proxy nodes and routing rule sets for a local
sing-box engine: it probes node health, compiles prioritized rule sets
into the engine's route configuration, and applies the result.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(log.DebugLevel)
			} else {
				log.SetLevel(log.WarnLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&baseDir, "dir", "", "state directory (default ~/.singtool)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newNodesCmd())
	root.AddCommand(newTestCmd())
	root.AddCommand(newRoutesCmd())
	root.AddCommand(newApplyCmd())
	root.AddCommand(newIPCmd())
	root.AddCommand(newTunnelCmd())
	return root
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// openEnv resolves the state directory and loads the node store.
func openEnv() (*paths.Manager, *nodes.Store, error) {
	pm, err := paths.New(baseDir)
	if err != nil {
		return nil, nil, err
	}
	if err := pm.Ensure(); err != nil {
		return nil, nil, err
	}
	store, err := nodes.Load(pm.NodesFile(), pm.BackupDir())
	if err != nil {
		return nil, nil, err
	}
	return pm, store, nil
}

// loadRouting loads the routing config from the advanced settings file.
func loadRouting(pm *paths.Manager) (*routing.Store, *routing.Config, error) {
	store := routing.NewStore(pm.AdvancedFile())
	cfg, err := store.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load routing config: %w", err)
	}
	return store, cfg, nil
}
