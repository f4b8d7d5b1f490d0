package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/go-go-golems/forkchat/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"s"},
		Short:   "Manage stored sessions",
	}
	cmd.AddCommand(
		newSessionsListCommand(),
		newSessionsShowCommand(),
		newSessionsDeleteCommand(),
		newSessionsImportCommand(),
		newSessionsExportCommand(),
	)
	return cmd
}

func newSessionsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()

			summaries, err := a.repo.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tUPDATED")
			for _, s := range summaries {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.ID, s.Title, s.Messages, s.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func newSessionsShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session as its active thread, its tree, or as yaml/json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")

			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()

			s, err := a.repo.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			switch output {
			case "thread":
				printThread(w, s)
			case "tree":
				printTree(w, s)
			case "yaml":
				return conversation.WriteYAML(w, s)
			case "json":
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			default:
				return errors.Errorf("unknown output %q", output)
			}
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "thread", "Output format (thread, tree, yaml, json)")
	return cmd
}

func newSessionsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()

			for _, id := range args {
				if err := a.repo.Delete(cmd.Context(), id); err != nil {
					return errors.Wrapf(err, "could not delete %s", id)
				}
				log.Info().Str("session", id).Msg("deleted session")
			}
			return nil
		},
	}
}

func newSessionsImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import sessions from a JSON or YAML file, including older flat formats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := conversation.LoadSessionsFromFile(args[0])
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()

			for _, s := range sessions {
				if err := s.Validate(); err != nil {
					log.Warn().Err(err).Str("session", s.ID).Msg("importing session with problems")
				}
				if err := a.repo.Put(cmd.Context(), s); err != nil {
					return err
				}
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported %d session(s)\n", len(sessions))
			return nil
		},
	}
}

func newSessionsExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <file> [id...]",
		Short: "Export sessions to a JSON file; all sessions unless ids are given",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()

			ids := args[1:]
			if len(ids) == 0 {
				summaries, err := a.repo.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, s := range summaries {
					ids = append(ids, s.ID)
				}
			}
			sessions := make([]*conversation.ChatSession, 0, len(ids))
			for _, id := range ids {
				s, err := a.repo.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				sessions = append(sessions, s)
			}

			if args[0] == "-" {
				data, err := conversation.EncodeSessions(sessions)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return conversation.SaveSessionsToFile(args[0], sessions)
		},
	}
	return cmd
}
