package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	debug   bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wdpv",
		Short:         "Aggregate Wikimedia hourly pageviews by Wikidata item",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at info level")
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "log at debug level")

	root.AddCommand(ingestCmd())
	root.AddCommand(dumpCmd())
	root.AddCommand(combineCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())

	return root
}

func ingestCmd() *cobra.Command {
	var opts ingestOpts

	cmd := &cobra.Command{
		Use:   "ingest [dir]",
		Short: "Process the newest hourly pageview files not yet in the database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.dir = args[0]
			}
			return runIngest(cmd.Context(), opts)
		},
	}

	cmd.Flags().IntVarP(&opts.maxFiles, "max-files", "n", 0, "maximum number of files to process (default: from config)")
	cmd.Flags().IntVar(&opts.maxDays, "max-days", 0, "maximum age of files to process in days (default: from config)")
	cmd.Flags().StringVar(&opts.source, "source", "", "file source: dir, http or feed (default: from config)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "rewrite the combination file here after new hours are ingested")
	return cmd
}

func dumpCmd() *cobra.Command {
	var opts dumpOpts

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print aggregated views per QID for a range of hours",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.start, "start", "", "start hour (2018-10-10T17) or duration (1d, 12h, 2w, 1m)")
	cmd.Flags().StringVar(&opts.end, "end", "", "end hour (default: latest available)")
	cmd.Flags().StringVar(&opts.mode, "mode", "views", "views or logprobs")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func combineCmd() *cobra.Command {
	var (
		output    string
		durations []string
	)

	cmd := &cobra.Command{
		Use:   "combine",
		Short: "Write one views dump per duration to a single JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCombine(cmd.Context(), output, durations)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: from config)")
	cmd.Flags().StringSliceVar(&durations, "durations", nil, "durations to include (default: from config)")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduled ingest and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}
