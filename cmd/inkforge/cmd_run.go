package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"inkforge/internal/adapter"
	"inkforge/internal/config"
	"inkforge/internal/session"
	"inkforge/internal/types"
)

var (
	runSessionID string
	runOffline   bool
	runLocalOnly bool
)

var runCmd = &cobra.Command{
	Use:   "run <message> [message...]",
	Short: "Submit user turns non-interactively",
	Long: `Submits each message as one user turn and prints the agent response.
Multiple messages fan out over separate sessions concurrently.

With --offline the backends are replaced by a scripted in-memory adapter, so
the full pipeline can be exercised without a running model.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if runOffline {
			cfg.Store.DatabasePath = ":memory:"
		}

		eng, err := buildEngine(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		if runOffline {
			scripted := adapter.NewScriptedAdapter(types.AdapterDescriptor{
				ID:   "scripted:offline",
				Tier: types.TierLocal,
				Profile: types.CapabilityProfile{
					MaxContextTokens: 32768,
					Streaming:        true,
				},
			})
			scripted.RespondFunc = func(p types.Payload) (string, error) {
				return "acknowledged:\n```json\n" +
					`{"directives":[{"type":"propose_task","title":"` +
					strings.ReplaceAll(lastUserLine(p.UserPrompt), `"`, "'") +
					`","assignee":"tanganaka_san"}]}` + "\n```", nil
			}
			eng.router.Register(scripted)
		}

		var mu sync.Mutex // serialize stdout across sessions
		g, ctx := errgroup.WithContext(cmd.Context())
		for i, msg := range args {
			sessionID := runSessionID
			if sessionID == "" {
				sessionID = uuid.NewString()[:8]
			} else if len(args) > 1 {
				sessionID = fmt.Sprintf("%s-%d", sessionID, i+1)
			}
			message := msg

			g.Go(func() error {
				if runLocalOnly {
					s, err := eng.orch.OpenSession(sessionID)
					if err != nil {
						return err
					}
					s.SetPolicy(session.Policy{LocalOnly: true})
				}
				in, err := eng.orch.SubmitTurn(ctx, sessionID, message)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					fmt.Printf("== session %s: %v\n", sessionID, err)
					return err
				}
				fmt.Printf("== session %s  [%s #%d via %s]\n%s\n",
					sessionID, in.Responder, in.AgentTurn.Seq, in.AdapterID, in.AgentTurn.Text)
				for _, task := range in.Tasks {
					fmt.Printf("   task %s [%s] %s\n", task.ID, task.Status, task.Title)
				}
				for _, action := range in.Actions {
					fmt.Printf("   action %s [%s] %s\n", action.ID, action.State, action.Kind)
				}
				return nil
			})
		}
		return g.Wait()
	},
}

// lastUserLine pulls the trailing "user: ..." line out of an assembled
// prompt, for the offline responder's canned directive.
func lastUserLine(prompt string) string {
	idx := strings.LastIndex(prompt, "user: ")
	if idx < 0 {
		return prompt
	}
	return strings.TrimSpace(prompt[idx+len("user: "):])
}

func init() {
	runCmd.Flags().StringVarP(&runSessionID, "session", "s", "", "session id (suffixed per message when fanning out)")
	runCmd.Flags().BoolVar(&runOffline, "offline", false, "use a scripted in-memory backend")
	runCmd.Flags().BoolVar(&runLocalOnly, "local-only", false, "pin this session to on-device backends")
	rootCmd.AddCommand(runCmd)
}
