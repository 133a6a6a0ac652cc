package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"botflow/internal/config"
	"botflow/internal/logger"
)

var (
	configPath string
	envPath    string
	verbose    bool
	version    string = "dev"

	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "botflow",
	Short: "Run conversation workflows for chat bots",
	Long: `botflow executes bot dialog graphs built from start, message,
condition and AI response nodes, one inbound message at a time.

Quick Start:
  botflow serve                          # Serve the HTTP and WebSocket API
  botflow chat --bot demo                # Talk to a bot in the terminal
  botflow validate workflows/demo.yaml   # Check a workflow file
  botflow dot workflows/demo.yaml        # Render a workflow for Graphviz`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envPath, err)
		}

		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if verbose {
			loaded.Log.Level = "debug"
		}
		cfg = loaded

		return logger.InitLogger(cfg.Log)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "Path to a dotenv file loaded before the configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}
