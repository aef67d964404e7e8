package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "comfyrelay",
	Short: "HTTP and WebSocket relay in front of a ComfyUI instance",
	Long: `comfyrelay accepts text-to-image requests over REST, WebSocket and MCP,
runs them on a ComfyUI instance and returns the finished image.

Examples:
  comfyrelay start --tunnel --notify
  comfyrelay generate "a lighthouse at dusk" --aspect-ratio 16:9 --output out.png
  comfyrelay diagnose --no-submit`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func versionString() string {
	return fmt.Sprintf("comfyrelay version %s", version)
}
