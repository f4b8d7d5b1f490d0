package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/go-go-golems/forkchat/pkg/conversation"
	"github.com/spf13/cobra"
)

func newToolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tools offered to the model",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List local and tool server tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{connectMCP: true})
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()

			source := map[string]string{}
			for _, c := range a.mcp.Clients() {
				for _, t := range c.Tools() {
					if _, ok := source[t.Name]; !ok {
						source[t.Name] = c.Name()
					}
				}
			}

			defs := a.executor.Definitions()
			sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tSOURCE\tDESCRIPTION")
			for _, d := range defs {
				from := "local"
				if s, ok := source[d.Name]; ok && !a.registry.HasTool(d.Name) {
					from = s
				}
				desc := preview(&conversation.Message{Content: d.Description})
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, from, desc)
			}
			return w.Flush()
		},
	})
	return cmd
}
