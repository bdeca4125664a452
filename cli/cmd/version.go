package cmd

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"skiff/cli/style"
)

var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		logo := lipgloss.NewStyle().
			Bold(true).
			Foreground(style.Primary).
			Render(`
  ┌─┐┬┌─┬┌─┐┌─┐
  └─┐├┴┐│├┤ ├┤
  └─┘┴ ┴┴└  └  `)

		fmt.Println(logo)
		fmt.Println()
		fmt.Printf("  %s %s\n", style.Key.Render("Version"), style.Val.Render(Version))
		fmt.Printf("  %s %s\n", style.Key.Render("API"), style.Val.Render(apiURL))
		if v, err := client.Version(); err == nil {
			fmt.Printf("  %s %s\n", style.Key.Render("Server"), style.Val.Render(v))
		} else {
			fmt.Printf("  %s %s\n", style.Key.Render("Server"), style.DimText.Render("unreachable"))
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
