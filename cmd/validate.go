package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"botflow/internal/core"
	"botflow/internal/storage"
)

var (
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	dotOutput string
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check workflow files for structural errors",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		for _, path := range args {
			g, err := storage.LoadGraphFile(path)
			if err != nil {
				failed++
				fmt.Println(errorStyle.Render("✗ "+path) + " " + err.Error())
				continue
			}
			fmt.Println(successStyle.Render("✓ "+path) + " " +
				statusStyle.Render(fmt.Sprintf("graph %s, %d nodes, %d edges", g.GraphID, len(g.Nodes), len(g.Edges))))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d workflow files are invalid", failed, len(args))
		}
		return nil
	},
}

// dotCmd represents the dot command
var dotCmd = &cobra.Command{
	Use:   "dot <file>",
	Short: "Render a workflow file as a Graphviz DOT graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := storage.LoadGraphFile(args[0])
		if err != nil {
			return err
		}
		dot, err := core.ToDOT(g)
		if err != nil {
			return err
		}
		if dotOutput == "" {
			fmt.Print(dot)
			return nil
		}
		return os.WriteFile(dotOutput, []byte(dot), 0o644)
	},
}

func init() {
	dotCmd.Flags().StringVarP(&dotOutput, "output", "o", "", "Write to a file instead of stdout")
	rootCmd.AddCommand(validateCmd, dotCmd)
}
