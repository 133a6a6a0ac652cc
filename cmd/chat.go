package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"botflow/internal/engine"
	"botflow/internal/logger"
)

var (
	chatBotID     string
	chatSessionID string
)

var (
	botStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Bold(true)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	sourceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			PaddingLeft(2)
)

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to a bot in the terminal",
	Long: `Start an interactive conversation with a bot. Each line you type is one
inbound message. Type /quit to leave.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !verbose {
			logger.Nop()
		}

		ctx := cmd.Context()
		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		sessionID := chatSessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		fmt.Println(statusStyle.Render(fmt.Sprintf("bot %s, session %s", chatBotID, sessionID)))

		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print(promptStyle.Render("you> "))
			if !scanner.Scan() {
				fmt.Println()
				return scanner.Err()
			}
			text := strings.TrimSpace(scanner.Text())
			switch text {
			case "":
				continue
			case "/quit", "/exit":
				return nil
			}

			result, err := a.engine.ProcessTurn(ctx, chatBotID, sessionID, text)
			if err != nil {
				fmt.Println(errorStyle.Render(fmt.Sprintf("[%s] %v", engine.Classify(err), err)))
				continue
			}
			for _, reply := range result.Replies {
				fmt.Println(botStyle.Render("bot> ") + reply)
			}
			for _, p := range result.Sources {
				fmt.Println(sourceStyle.Render(fmt.Sprintf("source %s (%.2f)", p.SourceID, p.Score)))
			}
			fmt.Println(statusStyle.Render(fmt.Sprintf("%s at %s", result.Status, result.CurrentNodeID)))
		}
	},
}

func init() {
	chatCmd.Flags().StringVarP(&chatBotID, "bot", "b", "demo", "Bot to talk to")
	chatCmd.Flags().StringVarP(&chatSessionID, "session", "s", "", "Resume an existing session")
	rootCmd.AddCommand(chatCmd)
}
