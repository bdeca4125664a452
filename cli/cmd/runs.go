package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"skiff/cli/style"
)

var (
	runsWorkflow string
	runsStatus   string
	runsLimit    int
	runsLog      bool
	artifactOut  string
)

var runsCmd = &cobra.Command{
	Use:     "runs [run-id]",
	Short:   "List recent runs or show one",
	Aliases: []string{"history"},
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			run, err := client.GetRun(args[0])
			if err != nil {
				return fmt.Errorf("failed to fetch run: %w", err)
			}
			printRun(run)
			if runsLog {
				trail, err := client.RunLog(args[0])
				if err != nil {
					return fmt.Errorf("failed to fetch run log: %w", err)
				}
				fmt.Print(trail)
			}
			return nil
		}
		return listRuns()
	},
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel an in-flight run; its environment is still removed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.CancelRun(args[0]); err != nil {
			return err
		}
		fmt.Println(style.Warning.Render("cancelling " + args[0]))
		return nil
	},
}

var runsArtifactCmd = &cobra.Command{
	Use:   "artifact <run-id> <name>",
	Short: "Download an archived artifact",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := client.Artifact(args[0], args[1])
		if err != nil {
			return err
		}
		if artifactOut == "" || artifactOut == "-" {
			_, err = os.Stdout.Write(data)
			return err
		}
		return os.WriteFile(artifactOut, data, 0o644)
	},
}

func listRuns() error {
	list, err := client.ListRuns(runsWorkflow, runsStatus, runsLimit)
	if err != nil {
		return fmt.Errorf("failed to fetch runs: %w", err)
	}
	if len(list.Runs) == 0 {
		fmt.Println(style.DimText.Render("No runs yet. Start one with `skiff run workflow.yaml`."))
		return nil
	}

	fmt.Println(style.Banner.Render("⛵ SKIFF") + style.Subtitle.Render(fmt.Sprintf("  %d of %d run(s)", len(list.Runs), list.Total)))
	header := fmt.Sprintf("  %-38s %-24s %-10s %-10s %s", "RUN", "WORKFLOW", "STATUS", "DURATION", "STARTED")
	fmt.Println(style.TableHeader.Render(header))

	for _, r := range list.Runs {
		st := style.RunStatus(r.Status)
		dur := "—"
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Printf("  %s %s %s %s %s\n",
			lipgloss.NewStyle().Foreground(style.Cyan).Render(padRight(r.ID, 38)),
			style.Bold.Render(padRight(r.Workflow, 24)),
			st.Render(padRight(r.Status, 10)),
			padRight(dur, 10),
			style.DimText.Render(r.StartedAt.Local().Format(time.DateTime)))
	}
	fmt.Println()
	return nil
}

func init() {
	runsCmd.Flags().StringVar(&runsWorkflow, "workflow", "", "only runs of this workflow")
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "only runs with this status")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "number of runs to show")
	runsCmd.Flags().BoolVar(&runsLog, "log", false, "also print the run's event trail")
	runsArtifactCmd.Flags().StringVarP(&artifactOut, "out", "o", "", "output file (default stdout)")

	runsCmd.AddCommand(runsCancelCmd, runsArtifactCmd)
	rootCmd.AddCommand(runsCmd)
}
