package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"skiff/api/model"
	"skiff/api/validate"
	"skiff/cli/style"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow.yaml>...",
	Short: "Lint workflow files without running them",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Browser availability is a server setting; assume it so the lint is
	// about the document only.
	v := &validate.Validator{BrowserAvailable: true}
	failed := 0
	for _, path := range args {
		wf, err := model.LoadWorkflow(path)
		if err != nil {
			fmt.Printf("  %s %s  %s\n", style.DotUnhealthy, style.Bold.Render(path), style.Unhealthy.Render(err.Error()))
			failed++
			continue
		}
		r := v.Validate(wf)
		if !r.Valid() {
			failed++
		}
		printValidation(path, r)
	}

	fmt.Println()
	if failed > 0 {
		fmt.Println(style.ErrorBox.Render(fmt.Sprintf("%d of %d workflow(s) invalid", failed, len(args))))
		return fmt.Errorf("validation failed")
	}
	fmt.Println(style.SuccessBox.Render("All workflows valid"))
	return nil
}

func printValidation(path string, r *model.ValidationResult) {
	dot := style.StatusDot(r.Valid())
	fmt.Printf("  %s %s  %s\n", dot, style.Bold.Render(path),
		style.DimText.Render(fmt.Sprintf("%d error(s), %d warning(s), %d info", r.Errors, r.Warnings, r.Infos)))
	for _, f := range r.Findings {
		var sev string
		switch f.Severity {
		case model.SeverityError:
			sev = style.StepFailed.Render("error  ")
		case model.SeverityWarning:
			sev = style.Warning.Render("warning")
		default:
			sev = style.DimText.Render("info   ")
		}
		fmt.Printf("      %s %s %s\n", sev, f.Message, style.DimText.Render(f.Check))
	}
}
