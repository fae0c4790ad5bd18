package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "operator",
	Short: "Operator console for multi-channel conversation campaigns",
	Long: "operator serves the human-takeover console: it mirrors campaign " +
		"conversations from the backend, tracks who controls each thread, and " +
		"lets an operator step in and reply.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operator console server",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
