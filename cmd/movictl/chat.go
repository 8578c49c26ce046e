package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashureev/movi/internal/agent"
	"github.com/ashureev/movi/internal/fleet"
	"github.com/ashureev/movi/internal/pipeline"
)

var (
	chatSession string
	chatPage    string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant on stdin",
	Long: `Reads one message per line and streams the reply.

Answer a confirmation prompt with yes or no. Use the same --session to pick
up a conversation, including a pending confirmation, after a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, logger, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if chatSession == "" {
			chatSession = uuid.NewString()
		}
		svc := agent.NewServiceWithProcessor(a.Engine, logger)
		fmt.Fprintf(cmd.ErrOrStderr(), "session %s on %s\n", chatSession, chatPage)
		return chatLoop(cmd, svc, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func chatLoop(cmd *cobra.Command, svc *agent.Service, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(out, "> ")
			continue
		}
		events := svc.Chat(cmd.Context(), agent.ChatRequest{
			SessionID: chatSession,
			Message:   line,
			UIContext: chatPage,
		})
		for ev, err := range events {
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				break
			}
			switch ev.Type {
			case pipeline.EventToken:
				fmt.Fprint(out, ev.Content)
			case pipeline.EventConfirmation:
				fmt.Fprintf(out, "%s\n", ev.Payload.Message)
			case pipeline.EventDone:
				fmt.Fprintln(out)
			}
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func init() {
	chatCmd.Flags().StringVar(&chatSession, "session", "", "Session ID (default: a new one)")
	chatCmd.Flags().StringVar(&chatPage, "page", fleet.ContextBusDashboard, "Page context the messages come from")
	rootCmd.AddCommand(chatCmd)
}
