package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"inkforge/internal/config"
	"inkforge/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect persisted sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ids, err := st.ListSessions()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("no sessions")
			return nil
		}
		for _, id := range ids {
			max, err := st.MaxSeq(id)
			if err != nil {
				return err
			}
			fmt.Printf("%s  (%d turns)\n", id, max)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id> [from] [to]",
	Short: "Print a session's conversation log",
	Args:  cobra.RangeArgs(1, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		var from, to uint64 = 1, 0
		if len(args) > 1 {
			if from, err = strconv.ParseUint(args[1], 10, 64); err != nil {
				return fmt.Errorf("bad from: %w", err)
			}
		}
		if len(args) > 2 {
			if to, err = strconv.ParseUint(args[2], 10, 64); err != nil {
				return fmt.Errorf("bad to: %w", err)
			}
		}

		turns, err := st.LoadTurns(args[0], from, to)
		if err != nil {
			return err
		}
		for _, t := range turns {
			fmt.Printf("[%d] %s (%s)\n%s\n\n",
				t.Seq, t.Author, t.Timestamp.Format("2006-01-02 15:04:05"), t.Text)
		}
		return nil
	},
}

var sessionsArchiveCmd = &cobra.Command{
	Use:   "archive <session-id>",
	Short: "Archive a session (read-only afterwards)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.ArchiveSession(args[0], time.Now()); err != nil {
			return err
		}
		fmt.Printf("archived %s\n", args[0])
		return nil
	},
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Store.DatabasePath)
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsArchiveCmd)
}
