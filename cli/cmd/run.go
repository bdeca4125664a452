package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"skiff/api/model"
	"skiff/cli/style"
)

var (
	runDetach bool
	runOut    string
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml>",
	Short: "Run a workflow file in a fresh environment",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflow,
}

func init() {
	runCmd.Flags().BoolVarP(&runDetach, "detach", "d", false, "start the run and print its id without watching")
	runCmd.Flags().StringVarP(&runOut, "out", "o", "", "directory to download artifacts into")
	rootCmd.AddCommand(runCmd)
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	doc, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	wf, err := model.ParseWorkflow(doc)
	if err != nil {
		return err
	}
	if err := wf.Validate(); err != nil {
		fmt.Println(style.ErrorBox.Render(err.Error()))
		return fmt.Errorf("invalid workflow")
	}

	start := func() (string, error) { return client.StartWorkflow(doc) }
	names := make([]string, len(wf.Steps))
	for i, s := range wf.Steps {
		names[i] = s.Name
	}
	return startAndReport(wf.Name, names, start)
}

// startAndReport starts a run, watches it unless detached, prints the
// summary and downloads artifacts when --out is set.
func startAndReport(title string, steps []string, start func() (string, error)) error {
	if runDetach {
		id, err := start()
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	}

	run, err := watchRun(title, steps, start)
	if err != nil {
		return err
	}
	fmt.Println()
	printRun(run)
	if runOut != "" && len(run.Artifacts) > 0 {
		if err := saveArtifacts(run, runOut); err != nil {
			return err
		}
	}
	if run.Status != "success" {
		return fmt.Errorf("run %s %s", run.ID, run.Status)
	}
	return nil
}
