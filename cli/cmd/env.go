package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"skiff/cli/api"
	"skiff/cli/style"
)

var (
	envDesc    api.Descriptor
	envVars    map[string]string
	envTimeout time.Duration
	envWorkDir string
)

var envCmd = &cobra.Command{
	Use:     "env",
	Short:   "Create, inspect and remove environments by hand",
	Aliases: []string{"environment"},
}

var envListCmd = &cobra.Command{
	Use:     "ls",
	Short:   "List managed environments",
	Aliases: []string{"list"},
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := client.ListEnvironments()
		if err != nil {
			return fmt.Errorf("failed to fetch environments: %w", err)
		}
		if len(list) == 0 {
			fmt.Println(style.DimText.Render("No environments."))
			return nil
		}
		header := fmt.Sprintf("  %-2s  %-28s %-14s %-10s %s", "", "NAME", "ID", "FAMILY", "AGE")
		fmt.Println(style.TableHeader.Render(header))
		for _, e := range list {
			age := "—"
			if !e.CreatedAt.IsZero() {
				age = time.Since(e.CreatedAt).Round(time.Second).String()
			}
			fmt.Printf("  %s  %s %s %s %s\n",
				style.StatusDot(e.State == "running"),
				style.Bold.Render(padRight(e.Name, 28)),
				lipgloss.NewStyle().Foreground(style.Cyan).Render(padRight(e.ID[:min(12, len(e.ID))], 14)),
				style.RoleBadge.Render(padRight(e.Labels["skiff.family"], 10)),
				style.DimText.Render(age))
		}
		return nil
	},
}

var envCreateCmd = &cobra.Command{
	Use:   "create <image>",
	Short: "Provision an environment and leave it running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		envDesc.Image = args[0]
		envDesc.Env = envVars
		env, err := client.CreateEnvironment(envDesc)
		if err != nil {
			return err
		}
		fmt.Println(style.SuccessBox.Render("✓ Environment " + env.Name + " is running"))
		fmt.Printf("  %s %s\n", style.Key.Render("ID"), style.Val.Render(env.ID))
		if env.HostPort > 0 {
			fmt.Printf("  %s %s\n", style.Key.Render("Port"), style.Val.Render(fmt.Sprintf("%d -> %d", env.HostPort, envDesc.Port)))
		}
		return nil
	},
}

var envExecCmd = &cobra.Command{
	Use:   "exec <env> -- <command> [args...]",
	Short: "Run a command in an environment",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.ExecRequest{Command: args[1:], WorkDir: envWorkDir}
		if envTimeout > 0 {
			req.Timeout = envTimeout.String()
		}
		res, err := client.Exec(args[0], req)
		if err != nil {
			if apiErr, ok := err.(*api.Error); ok {
				fmt.Fprint(os.Stdout, apiErr.Stdout)
				fmt.Fprint(os.Stderr, apiErr.Stderr)
			}
			return err
		}
		fmt.Fprint(os.Stdout, res.Stdout)
		fmt.Fprint(os.Stderr, res.Stderr)
		if res.ExitCode != 0 {
			return fmt.Errorf("exit status %d", res.ExitCode)
		}
		return nil
	},
}

var envRmCmd = &cobra.Command{
	Use:     "rm <env>...",
	Short:   "Stop and remove environments",
	Aliases: []string{"remove"},
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			removed, warnings, err := client.DeleteEnvironment(id)
			if err != nil {
				return err
			}
			if removed {
				fmt.Printf("  %s %s removed\n", style.DotHealthy, style.Bold.Render(id))
			} else {
				fmt.Printf("  %s %s already gone\n", style.DotDim, style.Bold.Render(id))
			}
			for _, w := range warnings {
				fmt.Println("    " + style.Warning.Render("! "+w))
			}
		}
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired environments now instead of waiting for the janitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := client.JanitorSweep()
		if err != nil {
			return err
		}
		fmt.Printf("  checked %d, removed %d\n", res.Checked, len(res.Removed))
		for _, name := range res.Removed {
			fmt.Println("    " + style.DimText.Render(name))
		}
		for _, name := range res.InUse {
			fmt.Println("    " + style.DimText.Render(name+" (in use by a run, skipped)"))
		}
		for _, w := range res.Warnings {
			fmt.Println("    " + style.Warning.Render("! "+w))
		}
		return nil
	},
}

func init() {
	f := envCreateCmd.Flags()
	f.IntVarP(&envDesc.Port, "port", "p", 0, "container port to publish")
	f.IntVar(&envDesc.HostPort, "host-port", 0, "fixed host port (default: assigned)")
	f.StringVar(&envDesc.Family, "family", "", "runtime family: node, python, mysql, mongo or generic")
	f.StringVar(&envDesc.Network, "network", "", "docker network to join")
	f.StringToStringVarP(&envVars, "env", "e", nil, "environment variables KEY=VALUE")

	envExecCmd.Flags().DurationVarP(&envTimeout, "timeout", "t", 0, "command timeout")
	envExecCmd.Flags().StringVarP(&envWorkDir, "workdir", "w", "", "absolute working directory")

	envCmd.AddCommand(envListCmd, envCreateCmd, envExecCmd, envRmCmd)
	rootCmd.AddCommand(envCmd, sweepCmd)
}
