package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"inkforge/internal/config"
	"inkforge/internal/types"
)

var chatSessionID string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation with the agents",
	Long: `Starts a REPL. Plain messages go to the agents; lines starting with /
are commands:

  /approve <action-id>   approve a pending action
  /reject <action-id>    reject a pending action
  /pending               list actions awaiting a decision
  /tasks                 show the task board
  /quit                  exit`,
}

func init() {
	chatCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	}
	chatCmd.Flags().StringVarP(&chatSessionID, "session", "s", "", "session id to open or resume")
}

func runChat(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	sessionID := chatSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()[:8]
	}
	fmt.Printf("session %s - type a message, /help for commands\n", sessionID)

	// Streaming display: chunks print as they arrive, final turns close the
	// line.
	events, cancel, err := eng.orch.Subscribe(sessionID, 256)
	if err != nil {
		return err
	}
	defer cancel()
	go func() {
		for ev := range events {
			if ev.Chunk != nil {
				fmt.Print(ev.Chunk.Text)
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if done := chatCommand(ctx, eng, sessionID, line); done {
				return nil
			}
			continue
		}

		in, err := eng.orch.SubmitTurn(ctx, sessionID, line)
		if err != nil {
			fmt.Printf("\n[system] %v\n", err)
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		fmt.Printf("\n[%s #%d]\n", in.Responder, in.AgentTurn.Seq)
		for _, action := range in.Actions {
			if action.State == types.ApprovalPending {
				fmt.Printf("[gate] %s %s pending - /approve %s or /reject %s\n",
					action.Kind, action.Payload.Target, action.ID, action.ID)
			}
		}
	}
}

// chatCommand handles a slash command; returns true when the REPL should
// exit.
func chatCommand(ctx context.Context, eng *engine, sessionID, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Println(chatCmd.Long)

	case "/approve", "/reject":
		if len(fields) < 2 {
			fmt.Printf("usage: %s <action-id>\n", fields[0])
			return false
		}
		action, err := eng.orch.DecideAction(ctx, sessionID, fields[1], fields[0] == "/approve")
		if err != nil {
			fmt.Printf("[gate] %v\n", err)
			return false
		}
		fmt.Printf("[gate] action %s is now %s\n", action.ID, action.State)
		if action.Executed {
			fmt.Printf("[gate] %s\n", action.Result)
		}

	case "/pending":
		pending := eng.gate.Pending()
		if len(pending) == 0 {
			fmt.Println("[gate] nothing pending")
			return false
		}
		for _, a := range pending {
			fmt.Printf("[gate] %s  %s  proposed by %s, expires %s\n",
				a.ID, a.Kind, a.ProposedBy, a.ExpiresAt.Format("15:04:05"))
		}

	case "/tasks":
		s, ok := eng.orch.Session(sessionID)
		if !ok {
			fmt.Println("[board] session not open yet")
			return false
		}
		tasks := s.Board.List()
		if len(tasks) == 0 {
			fmt.Println("[board] empty")
			return false
		}
		for _, task := range tasks {
			fmt.Printf("[board] %s  [%s]  %s  (assigned: %s)\n",
				task.ID, task.Status, task.Title, task.AssignedTo)
		}

	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
	return false
}
