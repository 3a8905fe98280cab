package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/fleetrun/pkg/agent"
	"github.com/cuemby/fleetrun/pkg/agentproc"
	"github.com/cuemby/fleetrun/pkg/log"
	"github.com/cuemby/fleetrun/pkg/metrics"
)

func main() {
	// The re-exec bootstrap (pkg/agentproc) launches this same binary with
	// ChildArg as argv[1] to isolate one call in its own process; handle
	// that before cobra ever sees the arguments.
	if len(os.Args) > 1 && os.Args[1] == agentproc.ChildArg {
		os.Exit(runChild())
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetrun-agent [path]",
	Short: "fleetrun-agent runs the per-host execution agent",
	Long: `fleetrun-agent listens for task requests from a fleetrun driver,
forking an isolated child process per call and serving dynamically
synchronized code from [path].`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAgent,
}

func init() {
	rootCmd.Flags().IntP("port", "p", 8333, "TCP port to bind")
	rootCmd.Flags().StringP("logging", "l", "warning", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().Int("metrics-port", 0, "Port to serve Prometheus metrics on (0 disables)")
}

// agentPathEnv carries the served rootPath to a re-exec'd agent-child,
// since agentproc.Spawn hands the child only argv[1]=ChildArg and the
// call payload on stdin, not the path the parent was invoked with.
const agentPathEnv = "FLEETRUN_AGENT_PATH"

func runAgent(cmd *cobra.Command, args []string) error {
	path := "."
	if len(args) == 1 {
		path = args[0]
	}
	os.Setenv(agentPathEnv, path)

	port, _ := cmd.Flags().GetInt("port")
	level, _ := cmd.Flags().GetString("logging")
	jsonOut, _ := cmd.Flags().GetBool("log-json")
	metricsPort, _ := cmd.Flags().GetInt("metrics-port")

	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})

	if metricsPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			addr := fmt.Sprintf("127.0.0.1:%d", metricsPort)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	a := agent.NewDynamicAgent(path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Logger.Info().Msg("shutting down")
		a.Stop()
		cancel()
	}()

	return a.Serve(ctx, port)
}

// runChild is invoked when this binary is re-executed as an agent-child: it
// reads its call from stdin, invokes it, and writes the reply over the
// inherited connection's fd, matching agentproc.Spawn's side of the handoff.
func runChild() int {
	path := os.Getenv(agentPathEnv)
	if path == "" {
		path = "."
	}
	a := agent.NewDynamicAgent(path)
	return agentproc.RunChild(func(identifier string) (agentproc.CallableFunc, error) {
		fn, err := a.Resolve(identifier)
		if err != nil {
			return nil, err
		}
		return agentproc.CallableFunc(fn), nil
	})
}
