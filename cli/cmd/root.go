package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"skiff/cli/api"
)

var (
	apiURL   string
	apiToken string
	client   *api.Client
)

var rootCmd = &cobra.Command{
	Use:   "skiff",
	Short: "Throwaway container environments for build and grading workflows",
	Long: `Skiff provisions a disposable container, runs a workflow of commands in it,
collects the files you ask for and removes the container again, whatever happened.

Run workflow files, start recipes for common stacks, or poke at a live environment.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		client = api.New(apiURL, apiToken)
	},
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultURL := os.Getenv("SKIFF_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8900"
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", defaultURL, "Skiff API URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("SKIFF_TOKEN"), "API token (or SKIFF_TOKEN)")
}
