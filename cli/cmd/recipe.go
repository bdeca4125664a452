package cmd

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"skiff/cli/api"
	"skiff/cli/style"
)

var (
	recipeOpts   api.RecipeOptions
	recipeEnv    map[string]string
	recipeDryRun bool
	recipeInput  string
)

var recipeCmd = &cobra.Command{
	Use:   "recipe",
	Short: "Run ready-made workflows for common stacks",
}

var recipeListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List available recipes",
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := client.ListRecipes()
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println("  " + style.RoleBadge.Render(n))
		}
		return nil
	},
}

var recipeRunCmd = &cobra.Command{
	Use:   "run <recipe> [repo-url]",
	Short: "Run a recipe, optionally against a GitHub repository",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runRecipe,
}

func init() {
	f := recipeRunCmd.Flags()
	f.StringVar(&recipeOpts.Image, "image", "", "override the base image")
	f.IntVar(&recipeOpts.Port, "port", 0, "container port the app listens on")
	f.IntVar(&recipeOpts.HostPort, "host-port", 0, "fixed host port (default: assigned)")
	f.StringVar(&recipeOpts.PackageManager, "pm", "", "node package manager: npm or yarn")
	f.StringSliceVar(&recipeOpts.Build, "build", nil, "build command argv, comma separated")
	f.StringSliceVar(&recipeOpts.Start, "start", nil, "start command argv, comma separated")
	f.StringVar(&recipeOpts.HealthPath, "health-path", "", "HTTP path checked once the app is up")
	f.StringVar(&recipeOpts.Database, "database", "", "database name for mysql and mongo recipes")
	f.StringArrayVar(&recipeOpts.SetupQueries, "setup", nil, "setup statement, repeatable")
	f.StringVar(&recipeInput, "input-image", "", "image file placed under /input (image recipe)")
	f.StringVar(&recipeOpts.InputName, "input-name", "", "file name under /input (default: input.png)")
	f.StringToStringVar(&recipeEnv, "env", nil, "environment variables KEY=VALUE")
	f.BoolVar(&recipeOpts.Keep, "keep", false, "keep the environment after the run")
	f.BoolVar(&recipeDryRun, "dry-run", false, "print the generated workflow instead of running it")
	f.BoolVarP(&runDetach, "detach", "d", false, "start the run and print its id without watching")
	f.StringVarP(&runOut, "out", "o", "", "directory to download artifacts into")

	recipeCmd.AddCommand(recipeListCmd, recipeRunCmd)
	rootCmd.AddCommand(recipeCmd)
}

func runRecipe(cmd *cobra.Command, args []string) error {
	name := args[0]
	req := api.RecipeRequest{Options: recipeOpts}
	if len(args) == 2 {
		req.Repo = args[1]
	}
	if len(recipeEnv) > 0 {
		req.Options.Env = recipeEnv
	}
	if recipeInput != "" {
		data, err := os.ReadFile(recipeInput)
		if err != nil {
			return err
		}
		req.Options.InputImage = base64.StdEncoding.EncodeToString(data)
		if req.Options.InputName == "" {
			req.Options.InputName = filepath.Base(recipeInput)
		}
	}

	raw, err := client.RecipeWorkflow(name, req)
	if err != nil {
		return err
	}
	if recipeDryRun {
		fmt.Println(string(raw))
		return nil
	}

	var wf struct {
		Name  string `json:"name"`
		Steps []struct {
			Name string `json:"name"`
		} `json:"steps"`
	}
	json.Unmarshal(raw, &wf)
	steps := make([]string, len(wf.Steps))
	for i, s := range wf.Steps {
		steps[i] = s.Name
	}
	return startAndReport(wf.Name, steps, func() (string, error) { return client.StartRecipe(name, req) })
}
