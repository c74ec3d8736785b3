// Command pageoutd runs the page reclamation core as a standalone
// process: load tunables, boot the threshold configurator, and run the
// scheduler/scanner/drainer/deadman loop until interrupted.
//
// The command shape (a root cobra.Command with subcommands, flags bound
// directly into a local options struct, RunE doing validation before
// work) is grounded on ja7ad-consumption/cmd/consumption/main.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/biscuit-os/pageout/config"
	"github.com/biscuit-os/pageout/log"
	"github.com/biscuit-os/pageout/pageoutcore"
)

// / version is set at build time; left as a literal default here since
// / this module has no release pipeline wiring it through ldflags yet.
var version = "dev"

func main() {
	var (
		configPath string
		totalPages int
		numZones   int
		debug      bool
	)

	root := &cobra.Command{
		Use:   "pageoutd",
		Short: "Page reclamation core daemon",
		Long: `pageoutd runs the two-handed clock scanner, the pageout scheduler,
and the asynchronous writeback pipeline against a simulated physical page
ring, driven by the same threshold and calibration logic a kernel's page
reclamation subsystem uses.`,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a viper-readable config file (yaml/json/toml)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reclamation core until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), configPath, totalPages, numZones, debug)
		},
	}
	runCmd.Flags().IntVar(&totalPages, "total-pages", 1<<20, "simulated physical page count")
	runCmd.Flags().IntVar(&numZones, "num-zones", 1, "number of memory zones to track")

	showCmd := &cobra.Command{
		Use:   "show-thresholds",
		Short: "Print the derived thresholds for a given tunable set and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showThresholds(configPath, totalPages, numZones)
		},
	}
	showCmd.Flags().IntVar(&totalPages, "total-pages", 1<<20, "simulated physical page count")
	showCmd.Flags().IntVar(&numZones, "num-zones", 1, "number of memory zones to track")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the pageoutd version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}

	root.AddCommand(runCmd, showCmd, versionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadTunables(configPath string) (config.Tunables, error) {
	t, err := config.Load(configPath)
	if err != nil {
		return config.Tunables{}, err
	}
	if err := t.Validate(); err != nil {
		return config.Tunables{}, err
	}
	return t, nil
}

func runDaemon(ctx context.Context, configPath string, totalPages, numZones int, debug bool) error {
	tunables, err := loadTunables(configPath)
	if err != nil {
		return err
	}

	var logger log.Logger
	if debug {
		logger, err = log.NewDevelopment()
	} else {
		logger, err = log.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	core := pageoutcore.New(pageoutcore.Options{
		TotalPages: totalPages,
		NumZones:   numZones,
		Tunables:   tunables,
		Log:        logger,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	core.Run(ctx)
	return nil
}

func showThresholds(configPath string, totalPages, numZones int) error {
	tunables, err := loadTunables(configPath)
	if err != nil {
		return err
	}
	_ = numZones

	core := pageoutcore.New(pageoutcore.Options{
		TotalPages: totalPages,
		NumZones:   numZones,
		Tunables:   tunables,
		Log:        log.Nop(),
	})
	t := core.Sched.Tunables.Snapshot()

	fmt.Printf("lotsfree_max:      %d\n", t.LotsfreeMax)
	fmt.Printf("lotsfree_min:      %d\n", t.LotsfreeMin)
	fmt.Printf("lotsfree:          %d\n", t.Lotsfree)
	fmt.Printf("desfree:           %d\n", t.Desfree)
	fmt.Printf("minfree:           %d\n", t.Minfree)
	fmt.Printf("throttlefree:      %d\n", t.Throttlefree)
	fmt.Printf("pageout_reserve:   %d\n", t.PageoutReserve)
	fmt.Printf("maxpgio:           %d\n", t.Maxpgio)
	fmt.Printf("maxfastscan:       %d\n", t.Maxfastscan)
	fmt.Printf("fastscan:          %d\n", t.Fastscan)
	fmt.Printf("slowscan:          %d\n", t.Slowscan)
	fmt.Printf("handspreadpages:   %d\n", t.Handspreadpages)
	fmt.Printf("des_page_scanners: %d\n", t.DesPageScanners)
	fmt.Printf("scanner_region_sz: %d\n", t.ScannerRegionSz)
	return nil
}
