package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/slate-dev/slate/internal/app"
	"github.com/slate-dev/slate/internal/model"
	"github.com/slate-dev/slate/internal/service"
)

func newEnqueueCommand(opts *options) *cobra.Command {
	var req service.EnqueueRequest
	var priority int

	cmd := &cobra.Command{
		Use:   "enqueue <title>",
		Short: "Add a task to the queue",
		Long: `Add a task to the queue. Without --assign the router picks the agent from
the title and description.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Title = strings.Join(args, " ")
			req.Priority = model.TaskPriority(priority)
			if req.Source == "" {
				req.Source = "cli"
			}

			return opts.withApp(cmd.Context(), func(a *app.App) error {
				task, err := a.Tasks.Enqueue(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s\n", task.ID)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.ID, "id", "", "task id (default random)")
	f.StringVarP(&req.Description, "description", "d", "", "task description")
	f.IntVarP(&priority, "priority", "p", int(model.TaskPriorityNormal), "priority 1 (critical) to 5 (minimal)")
	f.StringVarP(&req.AssignedTo, "assign", "a", model.AssigneeAuto, "agent id or auto")
	f.StringSliceVar(&req.Dependencies, "depends", nil, "ids of tasks that must complete first")
	f.StringSliceVar(&req.FilesAffected, "files", nil, "files the task touches")
	f.Float64Var(&req.ComplexityScore, "complexity", 0, "complexity score, higher is routed first among equals")
	f.StringVar(&req.Source, "source", "", "where the task came from")
	return cmd
}

func newTasksCommand(opts *options) *cobra.Command {
	var statuses []string
	var agent string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "tasks [id]",
		Short: "List tasks or show one task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				out := cmd.OutOrStdout()

				if len(args) == 1 {
					task, err := a.Tasks.Get(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return writeJSON(cmd, task)
				}

				filter := model.TaskFilter{AssignedTo: strings.ToUpper(agent), Limit: limit}
				for _, s := range statuses {
					status := model.TaskStatus(s)
					if !status.Valid() {
						return fmt.Errorf("unknown status %q", s)
					}
					filter.Statuses = append(filter.Statuses, status)
				}

				tasks, err := a.Tasks.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, tasks)
				}
				renderTasks(out, tasks)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&statuses, "status", "s", nil, "filter by status")
	f.StringVar(&agent, "agent", "", "filter by assigned agent")
	f.IntVarP(&limit, "limit", "n", 0, "maximum number of tasks")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// newResultCommand builds the single-task lifecycle commands
func newResultCommand(opts *options, action, short string) *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				ctx := cmd.Context()
				id := args[0]

				var task *model.Task
				var err error
				switch action {
				case "complete":
					task, err = a.Tasks.Complete(ctx, id, note)
				case "fail":
					task, err = a.Tasks.Fail(ctx, id, note)
				case "timeout":
					task, err = a.Tasks.Timeout(ctx, id, note)
				case "cancel":
					task, err = a.Tasks.Cancel(ctx, id, note)
				case "block":
					task, err = a.Tasks.Block(ctx, id, note)
				case "unblock":
					task, err = a.Tasks.Unblock(ctx, id)
				case "requeue":
					task, err = a.Tasks.Requeue(ctx, id)
				default:
					return fmt.Errorf("unknown action %q", action)
				}
				if err != nil {
					return err
				}
				renderTask(cmd.OutOrStdout(), task)
				return nil
			})
		},
	}

	if action != "unblock" && action != "requeue" {
		cmd.Flags().StringVar(&note, "note", "", "note stored on the task")
	}
	return cmd
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
