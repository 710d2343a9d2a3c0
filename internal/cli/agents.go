package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/slate-dev/slate/internal/app"
	"github.com/slate-dev/slate/internal/model"
	"github.com/slate-dev/slate/internal/registry"
)

func newAgentsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and manage agents",
	}
	cmd.AddCommand(
		newAgentsListCommand(opts),
		newAgentsHealthCommand(opts),
		newAgentsSetHealthCommand(opts),
	)
	return cmd
}

func newAgentsListCommand(opts *options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				agents := a.Registry.List()
				if asJSON {
					return writeJSON(cmd, agents)
				}
				renderAgents(cmd.OutOrStdout(), agents)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newAgentsHealthCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health [id]",
		Short: "Probe one agent or all agents",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				ctx := cmd.Context()
				out := cmd.OutOrStdout()

				results := make(map[model.AgentID]model.HealthState)
				err := a.UpdateAgents(ctx, func(reg *registry.Registry) error {
					if len(args) == 0 {
						all, err := reg.HealthCheckAll(ctx)
						results = all
						return err
					}
					agent, err := reg.Lookup(args[0])
					if err != nil {
						return err
					}
					state, err := reg.HealthCheck(ctx, agent.ID)
					if err != nil {
						return err
					}
					results[agent.ID] = state
					return nil
				})
				if err != nil {
					return err
				}

				ids := make([]string, 0, len(results))
				for id := range results {
					ids = append(ids, string(id))
				}
				sort.Strings(ids)

				rows := make([][]string, 0, len(ids))
				for _, id := range ids {
					rows = append(rows, []string{id, string(results[model.AgentID(id)])})
				}
				fmt.Fprintln(out, renderTable([]string{"AGENT", "HEALTH"}, rows))
				return nil
			})
		},
	}
}

func newAgentsSetHealthCommand(opts *options) *cobra.Command {
	var pin bool

	cmd := &cobra.Command{
		Use:   "set-health <id> <active|degraded|offline>",
		Short: "Override an agent's health",
		Long: `Override an agent's health. With --pin periodic probes leave the state alone
until it is set again without --pin.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state := model.HealthState(args[1])
			if !state.Valid() {
				return fmt.Errorf("state must be active, degraded or offline, got %q", args[1])
			}

			return opts.withApp(cmd.Context(), func(a *app.App) error {
				agent, err := a.Registry.Lookup(args[0])
				if err != nil {
					return err
				}
				agent, err = a.SetAgentHealth(cmd.Context(), agent.ID, state, pin)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", agent.ID, state)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&pin, "pin", false, "keep the state across health checks")
	return cmd
}
