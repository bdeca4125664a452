package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"skiff/cli/style"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the server and its backing services",
	Aliases: []string{"doctor", "h"},
	RunE:    runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	h, err := client.Health()
	if err != nil {
		fmt.Println(style.ErrorBox.Render("Cannot reach Skiff API at " + apiURL))
		return err
	}

	fmt.Println(style.Banner.Render("⛵ SKIFF HEALTH"))
	fmt.Println()

	serviceNames := map[string]string{
		"docker":   "Docker",
		"postgres": "PostgreSQL",
		"s3":       "S3",
	}

	for _, s := range h.Services {
		name := serviceNames[s.Name]
		if name == "" {
			name = s.Name
		}
		var label string
		switch s.Status {
		case "up":
			label = style.Healthy.Render("up")
		case "down":
			label = style.Unhealthy.Render("down") + "  " + style.DimText.Render(s.Details)
		default:
			label = style.Warning.Render(s.Status)
		}
		fmt.Printf("  %s  %-14s %s\n", style.ServiceDot(s.Status), style.Bold.Render(name), label)
	}

	fmt.Println()
	fmt.Printf("  %s %d\n", style.Key.Render("Active runs"), h.ActiveRuns)
	fmt.Println()

	if h.Status == "healthy" {
		fmt.Println(style.SuccessBox.Render("All services healthy"))
	} else {
		fmt.Println(style.ErrorBox.Render("Some services are down"))
	}
	return nil
}
