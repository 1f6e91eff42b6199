package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// errRowsFailed makes the process exit with status 1 without printing an
// extra error line; the summary has already been printed.
var errRowsFailed = errors.New("some rows failed")

type rootFlags struct {
	configFile string
	envFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errRowsFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "hissync",
		Short: "hissync - sync HIS database rows to the central raw API",
		Long: `hissync runs sync SQL scripts against a hospital information system database,
normalizes the rows and posts them to the central raw API, retrying transient
database and network failures.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "Path to a YAML configuration file")
	pf.StringVar(&flags.envFile, "env-file", ".env", "Path to a dotenv file loaded before reading the environment")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.String("error-log", "", "Failure log path")
	pf.String("metrics", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	pf.String("trace", "", "Tracing exporter (none, stdout)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hissync v%s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newListenCmd(flags))
	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newConfigCmd(flags))
	return root
}
