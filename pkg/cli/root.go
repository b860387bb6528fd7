package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// BuildInfo carries values injected at link time.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// NewRootCmd builds the replayd command tree.
func NewRootCmd(info BuildInfo) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "replayd",
		Short: "replayd is a record-and-replay HTTP proxy",
		Long: `replayd sits between a client and an upstream API. It forwards live traffic,
records every successful exchange into a fixture file, and replays recorded
responses when the upstream fails or when running in mock mode.

Configuration can be provided via flags, REPLAYD_* environment variables, or a
configuration file passed with --config.`,
		SilenceUsage:  true,
		SilenceErrors: true, // We handle errors in Execute()
	}

	rootCmd.PersistentFlags().Bool("json", false, "Output command results in JSON format")

	rootCmd.AddCommand(newServeCmd(os.LookupEnv, runServe))
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(newVersionCmd(info))
	return rootCmd
}

// Execute runs the command tree with args and returns the process exit code.
func Execute(info BuildInfo, args []string, stderr io.Writer) int {
	rootCmd := NewRootCmd(info)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func jsonFlag(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}
