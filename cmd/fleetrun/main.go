package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/fleetrun/pkg/cluster"
	"github.com/cuemby/fleetrun/pkg/config"
	"github.com/cuemby/fleetrun/pkg/log"
	"github.com/cuemby/fleetrun/pkg/platform"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetrun",
	Short: "fleetrun drives remote execution across a cluster of agents",
}

func init() {
	rootCmd.PersistentFlags().String("config", "fleetrun.yaml", "Cluster config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(mapCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func openCluster(ctx context.Context, cmd *cobra.Command) (*cluster.Cluster, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	platforms, err := cfg.BuildPlatforms()
	if err != nil {
		return nil, err
	}

	return cluster.New(ctx, cluster.Config{
		Platforms:      platforms,
		PlatformOpts:   platform.Options{},
		SyncCurrentDir: cfg.SyncCurrentDir,
	})
}

var runCmd = &cobra.Command{
	Use:   "run IDENTIFIER [KWARGS_JSON]",
	Short: "Submit a single task and print its result",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kwargs, err := parseKwargs(args, 1)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		installSignalHandler(cancel)

		cl, err := openCluster(ctx, cmd)
		if err != nil {
			return fmt.Errorf("open cluster: %w", err)
		}
		defer cl.Clean(ctx)

		t := cl.Submit(args[0], kwargs)
		result, err := t.Join(ctx)
		if err != nil {
			return fmt.Errorf("task failed: %w", err)
		}

		return printJSON(result)
	},
}

var mapCmd = &cobra.Command{
	Use:   "map IDENTIFIER KWARGS_LIST_JSON",
	Short: "Submit one task per element of a JSON array of kwargs objects",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var kwargsList []map[string]any
		if err := json.Unmarshal([]byte(args[1]), &kwargsList); err != nil {
			return fmt.Errorf("parse kwargs list: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		installSignalHandler(cancel)

		cl, err := openCluster(ctx, cmd)
		if err != nil {
			return fmt.Errorf("open cluster: %w", err)
		}
		defer cl.Clean(ctx)

		results, err := cl.Map(ctx, args[0], kwargsList)
		if err != nil {
			return fmt.Errorf("map failed: %w", err)
		}

		return printJSON(results)
	},
}

func parseKwargs(args []string, idx int) (map[string]any, error) {
	if len(args) <= idx {
		return nil, nil
	}
	var kwargs map[string]any
	if err := json.Unmarshal([]byte(args[idx]), &kwargs); err != nil {
		return nil, fmt.Errorf("parse kwargs: %w", err)
	}
	return kwargs, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func installSignalHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
}
