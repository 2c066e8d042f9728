package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ema-surgery",
	Short: "Surgical video assistant",
	Long: `ema-surgery serves the surgical video assistant: a browser session socket
that answers questions about the video, takes dictated notes, annotates the
procedure in the background and speaks its replies.

The post-op note of a recorded procedure can also be generated offline.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and session socket server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var postOpCmd = &cobra.Command{
	Use:   "postop [procedure-dir]",
	Short: "Print the post-op note of a recorded procedure",
	Long: `Aggregates the timeline and notes files of a procedure folder into a
post-op note and prints it as JSON.

Example:
  ema-surgery postop procedures/procedure_2025_01_01__09_30_00_1a2b3c4d --schema legacy`,
	Args: cobra.ExactArgs(1),
	RunE: runPostOp,
}

var postOpSchema string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	postOpCmd.Flags().StringVar(&postOpSchema, "schema", "current", "note schema (current or legacy)")

	rootCmd.AddCommand(serveCmd, postOpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
