/*
Package main is the entry point for the checkerd command-line application.

checkerd is a high-throughput batch processor for line-oriented credential
files. Each input line is validated, parsed and checked by a worker pool;
classified outcomes stream into success/failed (and optionally ignored)
output files while a single-line banner reports live throughput, progress
and ETA.

The application uses the Cobra library for command-line structure and flag
parsing. It leverages several internal packages:
  - `internal/engine`: the bounded pipeline, retry state machine, pause gate,
    lifecycle controller and checkpoint manager.
  - `internal/discovery`: mail server discovery with a persistent registry.
  - `internal/checker`: the IMAP credential checker.
  - `internal/metrics`: run counters plus a Prometheus endpoint.

Subcommands (`run`, `proxies`, `cache`) provide access to the different
functionalities. Graceful shutdown is handled via context cancellation
triggered by OS signals (SIGINT, SIGTERM); an interrupted run saves a byte
offset checkpoint so a later `run --resume` continues where it stopped.
*/
package main

/*
checkerbase — high-throughput credential checking engine in Go
Copyright (C) 2025  Pepijn van der Stap <checkerbase@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/x-stp/checkerbase/internal/checker"
	"github.com/x-stp/checkerbase/internal/config"
	"github.com/x-stp/checkerbase/internal/discovery"
	"github.com/x-stp/checkerbase/internal/engine"
	"github.com/x-stp/checkerbase/internal/metrics"
	"github.com/x-stp/checkerbase/internal/proxy"
	"github.com/x-stp/checkerbase/internal/registry"
)

// Global flags (persistent across commands)
var (
	debug       bool
	metricsPort int
)

// Flags specific to the run command
var (
	inputPath    string
	proxyPath    string
	proxyType    string
	outputDir    string
	workers      int
	maxRetries   int
	rateLimit    float64
	writeIgnored bool
	appendOut    bool
	resumeRun    bool
	pinWorkers   bool
)

var rootCmd = &cobra.Command{
	Use:   "checkerd",
	Short: "checkerd - a high-throughput checker for line-oriented credential files",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process an input file through the checker pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHeadless()
	},
}

var proxiesCmd = &cobra.Command{
	Use:   "proxies [file]",
	Short: "Parse a proxy list and report valid/failed lines",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := proxyPath
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			path = "proxies.txt"
		}

		return reportProxies(path)
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the server discovery registry",
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete expired rows from the server registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cleanCache()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().IntVar(&metricsPort, "metrics-port", 9090, "Prometheus metrics port (0 to disable)")

	runCmd.Flags().StringVarP(&inputPath, "input", "i", "input.txt", "Input file, one record per line")
	runCmd.Flags().StringVarP(&proxyPath, "proxies", "p", "", "Proxy list file (optional; proxies.txt is picked up when present)")
	runCmd.Flags().StringVar(&proxyType, "proxy-type", "http", "Default proxy type for schemeless lines (http, https, socks4, socks5)")
	runCmd.Flags().StringVarP(&outputDir, "output", "o", "output", "Output directory for result files")
	runCmd.Flags().IntVarP(&workers, "workers", "w", 100, "Number of worker goroutines")
	runCmd.Flags().IntVarP(&maxRetries, "retries", "r", 2, "Max retries per record on transient failures")
	runCmd.Flags().Float64Var(&rateLimit, "rate-limit", 0, "Cap on records/second across all workers (0 = unlimited)")
	runCmd.Flags().BoolVar(&writeIgnored, "ignored", false, "Also write ignored records to ignored.txt")
	runCmd.Flags().BoolVar(&appendOut, "append", false, "Append to existing output files instead of truncating")
	runCmd.Flags().BoolVar(&resumeRun, "resume", false, "Resume from the saved checkpoint when valid")
	runCmd.Flags().BoolVar(&pinWorkers, "pin", false, "Pin worker goroutines to CPU cores (Linux)")

	proxiesCmd.Flags().StringVar(&proxyType, "proxy-type", "http", "Default proxy type for schemeless lines")
	proxiesCmd.Flags().StringVarP(&proxyPath, "proxies", "p", "", "Proxy list file (default proxies.txt)")

	cacheCmd.AddCommand(cacheCleanCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(proxiesCmd)
	rootCmd.AddCommand(cacheCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *zap.SugaredLogger {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.OutputPaths = []string{"stderr"}
		l, err = cfg.Build()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	return l.Sugar()
}

// runHeadless wires settings, discovery and the controller together, runs
// the engine to completion and prints the live banner plus final counters.
func runHeadless() error {
	log := newLogger()
	defer log.Sync()

	settingsPath, err := config.DefaultSettingsPath()
	if err != nil {
		log.Errorw("cannot resolve settings path", "error", err)
		os.Exit(1)
	}

	settings, err := config.Load(settingsPath)
	if err != nil {
		log.Errorw("cannot load settings", "error", err)
		os.Exit(1)
	}

	// CLI flags override persisted settings for this run.
	settings.InputPath = inputPath
	settings.OutputDir = outputDir
	settings.Parallelism = workers
	settings.MaxRetries = maxRetries
	settings.ProxyType = proxyType
	settings.ProxyPath = proxyPath
	if settings.ProxyPath == "" {
		// Convention: pick up proxies.txt from the working directory.
		if _, statErr := os.Stat("proxies.txt"); statErr == nil {
			settings.ProxyPath = "proxies.txt"
		}
	}

	if metricsPort > 0 {
		if err := metrics.StartMetricsServer(fmt.Sprintf(":%d", metricsPort)); err != nil {
			log.Warnw("failed to start metrics server", "error", err)
		}
	}

	registryPath, err := config.DefaultRegistryPath()
	if err != nil {
		log.Errorw("cannot resolve registry path", "error", err)
		os.Exit(1)
	}

	reg := registry.New(registryPath, log)
	defer reg.Close()

	disc := discovery.NewService(discovery.Config{}, reg, discovery.DefaultStrategies(), log)
	chk := &checker.IMAPChecker{Discovery: disc, Log: log}

	ctrl := engine.NewController[checker.Credential, *checker.IMAPSession](settingsPath, settings, engine.Options{
		WriteIgnored:  writeIgnored,
		AppendOutputs: appendOut,
		RateLimit:     rateLimit,
		PinWorkers:    pinWorkers,
	}, chk, log)

	if err := ctrl.Initialize(); err != nil {
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintln(os.Stderr, "Cannot start:")
			for _, p := range verr.Problems {
				fmt.Fprintf(os.Stderr, "  - %s\n", p)
			}
		} else {
			fmt.Fprintf(os.Stderr, "Initialization failed: %v\n", err)
		}
		os.Exit(1)
	}

	var resumeFrom int64
	if resumeRun {
		if pos := ctrl.Checkpoints().ResumePosition(); pos != nil {
			resumeFrom = *pos
			fmt.Printf("Resuming from byte offset %d\n", resumeFrom)
		} else {
			fmt.Println("No valid checkpoint found; starting from the beginning.")
		}
	}

	// Signal handling: first signal cancels gracefully, a second one exits.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nInterrupt received, finishing in-flight records...")
		ctrl.Cancel()
		<-sigChan
		fmt.Println("\nForced exit.")
		os.Exit(1)
	}()

	bannerCtx, stopBanner := context.WithCancel(ctx)
	bannerDone := make(chan struct{})
	go func() {
		defer close(bannerDone)
		displayStats(bannerCtx, ctrl.Metrics())
	}()

	runErr := ctrl.Run(ctx, resumeFrom)

	stopBanner()
	<-bannerDone

	if w := ctrl.Writer(); w != nil {
		if err := w.Close(); err != nil {
			log.Warnw("error closing output files", "error", err)
		}
	}

	displayFinalStats(ctrl.Metrics().Snapshot())

	switch {
	case runErr == nil:
		return nil
	case errors.Is(runErr, context.Canceled):
		fmt.Println("Run cancelled; checkpoint saved.")

		return nil
	default:
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", runErr)
		os.Exit(1)

		return nil
	}
}

// displayStats rewrites a single banner line once per second and mirrors the
// snapshot into the Prometheus exporter.
func displayStats(ctx context.Context, met *metrics.Metrics) {
	exporter := metrics.GetExporter()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := met.Snapshot()
			exporter.Observe(snap)

			eta := "--:--"
			if snap.ETA != nil {
				eta = snap.ETA.Round(time.Second).String()
			}
			fmt.Printf("\r%6.2f%% | %s / %s | OK: %d | Fail: %d | Skip: %d | Retry: %d | %.0f cpm | %s/s | ETA %s   ",
				snap.ProgressPct,
				humanBytes(snap.ProcessedBytes),
				humanBytes(snap.TotalBytes),
				snap.Success,
				snap.Failed,
				snap.Ignored,
				snap.Retries,
				snap.CPM,
				humanBytes(int64(snap.BytesPerSec)),
				eta,
			)
		case <-ctx.Done():
			fmt.Println()

			return
		}
	}
}

// displayFinalStats prints the end-of-run summary.
func displayFinalStats(snap metrics.Snapshot) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	bold.Println("--- Final Statistics ---")
	fmt.Printf(" Processing Time: %v\n", snap.Elapsed.Round(time.Millisecond))
	fmt.Printf(" Processed Lines: %d\n", snap.ProcessedLines)
	green.Printf("         Success: %d\n", snap.Success)
	red.Printf("          Failed: %d\n", snap.Failed)
	yellow.Printf("         Ignored: %d\n", snap.Ignored)
	fmt.Printf("         Retries: %d\n", snap.Retries)
	fmt.Printf("      Throughput: %.0f checks/min, %s/s\n", snap.CPM, humanBytes(int64(snap.BytesPerSec)))
	fmt.Printf("       Processed: %s of %s (%.2f%%)\n",
		humanBytes(snap.ProcessedBytes), humanBytes(snap.TotalBytes), snap.ProgressPct)
	bold.Println("------------------------")
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}

	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// reportProxies parses a proxy list and prints diagnostics.
func reportProxies(path string) error {
	res, err := proxy.LoadFile(path, proxy.Type(proxyType))
	if err != nil {
		return err
	}

	fmt.Printf("Parsed %d proxies from %s\n", len(res.Proxies), path)
	for _, p := range res.Proxies {
		fmt.Printf("  %s\n", p)
	}
	if len(res.Failed) > 0 {
		fmt.Printf("%d lines failed to parse:\n", len(res.Failed))
		for _, f := range res.Failed {
			fmt.Printf("  line %d: %q (%s)\n", f.LineNo, f.Text, f.Reason)
		}
	}

	return nil
}

// cleanCache removes expired rows from the server registry.
func cleanCache() error {
	log := newLogger()
	defer log.Sync()

	registryPath, err := config.DefaultRegistryPath()
	if err != nil {
		return err
	}

	reg := registry.New(registryPath, log)
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := reg.CleanExpired(ctx); err != nil {
		return fmt.Errorf("failed to clean registry: %w", err)
	}

	fmt.Println("Registry cleaned.")

	return nil
}
