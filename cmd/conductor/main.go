// Command conductor runs the orchestration engine (serve) and talks to a
// running engine over its REST API (every other command).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
	apiToken   string
	outputRaw  bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "conductor",
		Short:         "Action orchestration engine for clusters of nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", getenv("CONDUCTOR_SERVER", "http://localhost:8080"), "engine API base URL")
	root.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("CONDUCTOR_API_TOKEN"), "API bearer token")
	root.PersistentFlags().BoolVar(&outputRaw, "raw", false, "print compact JSON")

	root.AddCommand(
		newServeCmd(),
		newClusterCmd(),
		newNodeCmd(),
		newPolicyCmd(),
		newActionCmd(),
		newReceiverCmd(),
		newLifecycleCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
