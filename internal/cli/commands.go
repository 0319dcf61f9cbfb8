package cli

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"singtool/core/config"
	"singtool/core/health"
	"singtool/core/routing"
	"singtool/internal/paths"
)

func newNodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List configured nodes with cached health",
		RunE: func(cmd *cobra.Command, args []string) error {
			pm, store, err := openEnv()
			if err != nil {
				return err
			}
			cache := newCache(pm)

			selected := ""
			if cur := store.Selected(); cur != nil {
				selected = cur.ID
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "  \tID\tNAME\tTYPE\tENABLED\tCOUNTRY\tLATENCY")
			for _, n := range store.List() {
				mark := " "
				if n.ID == selected {
					mark = "*"
				}
				country, latency := "-", "-"
				if entry, ok := cache.Get(n); ok {
					country = entry.Country
					latency = entry.LatencyString()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
					mark, n.ID, n.Name, n.Type, n.Enabled, country, latency)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if pid, running, err := config.EngineRunning(); err == nil && running {
				fmt.Fprintf(cmd.OutOrStdout(), "\nengine: running (pid %d)\n", pid)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "\nengine: not running")
			}
			return nil
		},
	}
}

func newTestCmd() *cobra.Command {
	var (
		sequential bool
		workers    int
		force      bool
	)
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Probe node reachability, latency and country",
		RunE: func(cmd *cobra.Command, args []string) error {
			pm, store, err := openEnv()
			if err != nil {
				return err
			}
			cache := newCache(pm)
			if force {
				cache.Reset()
			}

			var cancel atomic.Bool
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt)
			defer signal.Stop(sigs)
			go func() {
				<-sigs
				fmt.Fprintln(cmd.ErrOrStderr(), "stopping after current probes...")
				cancel.Store(true)
			}()

			sink := func(ev health.Event) {
				if ev.Started {
					fmt.Fprintf(cmd.OutOrStdout(), "%-20s probing...\n", ev.NodeID)
					return
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-16s %s\n",
					ev.NodeID, ev.Entry.Country, ev.Entry.LatencyString())
			}

			list := store.List()
			if sequential {
				cache.RefreshSequential(list, &cancel, sink)
			} else {
				cache.RefreshAll(list, workers, &cancel, sink)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&sequential, "sequential", false, "probe one node at a time")
	cmd.Flags().IntVar(&workers, "workers", health.DefaultConcurrency, "concurrent probes in batch mode")
	cmd.Flags().BoolVar(&force, "force", false, "discard cached results before probing")
	return cmd
}

func newRoutesCmd() *cobra.Command {
	var proxyTag string
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Preview the compiled route configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			pm, _, err := openEnv()
			if err != nil {
				return err
			}
			_, cfg, err := loadRouting(pm)
			if err != nil {
				return err
			}
			artifact, err := routing.NewCompiler(proxyTag).Compile(cfg)
			if err != nil {
				return err
			}
			if artifact == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no rule sets enabled; routing would be left unchanged")
				return nil
			}
			out, err := artifact.MarshalIndentJSON("")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&proxyTag, "proxy-tag", routing.DefaultProxyOutbound, "outbound tag the proxy sentinel resolves to")
	return cmd
}

func newApplyCmd() *cobra.Command {
	var proxyTag string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Compile rule sets and write the engine's route section",
		RunE: func(cmd *cobra.Command, args []string) error {
			pm, _, err := openEnv()
			if err != nil {
				return err
			}
			_, cfg, err := loadRouting(pm)
			if err != nil {
				return err
			}
			artifact, err := routing.NewCompiler(proxyTag).Compile(cfg)
			if err != nil {
				// A validation failure blocks apply; nothing was written.
				return fmt.Errorf("route compilation failed, config not modified: %w", err)
			}
			if artifact == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no rule sets enabled; engine config left unchanged")
				return nil
			}
			if err := config.ApplyRoute(pm.EngineConfigFile(), artifact); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rules (final %q) to %s\n",
				len(artifact.Rules), artifact.Final, pm.EngineConfigFile())
			return nil
		},
	}
	cmd.Flags().StringVar(&proxyTag, "proxy-tag", routing.DefaultProxyOutbound, "outbound tag the proxy sentinel resolves to")
	return cmd
}

func newIPCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "ip",
		Short: "Discover this machine's public address via STUN",
		RunE: func(cmd *cobra.Command, args []string) error {
			ip, err := health.PublicAddress(server)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ip)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", health.DefaultSTUNServer, "STUN server address")
	return cmd
}

func newTunnelCmd() *cobra.Command {
	var (
		socksAddr string
		target    string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Measure latency to a target through the engine's SOCKS inbound",
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := health.ProxiedLatency(socksAddr, target, timeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s via %s: %dms\n", target, socksAddr, ms)
			return nil
		},
	}
	cmd.Flags().StringVar(&socksAddr, "socks", "127.0.0.1:2080", "engine SOCKS inbound address")
	cmd.Flags().StringVar(&target, "target", "www.google.com:443", "target host:port")
	cmd.Flags().DurationVar(&timeout, "timeout", health.DefaultProbeTimeout, "dial timeout")
	return cmd
}

// newCache builds the health cache over the persisted file and the
// optional local geolocation database.
func newCache(pm *paths.Manager) *health.Cache {
	geo := health.NewGeoResolver(pm.MMDBFile())
	return health.NewCache(pm.CacheFile(), health.NewProber(geo), health.DefaultTTL)
}
