package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/nudgecrm/internal/crm"
)

// TaskListOptions holds flags for task list.
type TaskListOptions struct {
	*RootOptions
	Status string
}

// TaskCompleteOptions holds flags for task complete.
type TaskCompleteOptions struct {
	*RootOptions
	Notes string
}

// NewTaskCommand creates the task command group.
func NewTaskCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "List and complete onboarding tasks",
	}
	cmd.AddCommand(newTaskListCommand(rootOpts))
	cmd.AddCommand(newTaskCompleteCommand(rootOpts))
	return cmd
}

func newTaskListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TaskListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "list <patient-id>",
		Short:         "List a patient's onboarding tasks",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskList(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "only tasks with this status (pending|completed)")

	return cmd
}

func runTaskList(opts *TaskListOptions, idArg string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	id, err := parseID("patient", idArg)
	if err != nil {
		return formatter.Fail("invalid argument", err, nil)
	}
	status := crm.TaskStatus(opts.Status)
	if status != "" && status != crm.TaskPending && status != crm.TaskCompleted {
		return formatter.Fail("invalid argument", crm.NewInvalidError("invalid task status %q", opts.Status), nil)
	}

	a, err := openApp(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	tasks, err := a.onboarding.Tasks(cmd.Context(), id, status)
	if err != nil {
		return formatter.Fail("failed to list tasks", err, nil)
	}

	return formatter.Emit(tasks, func(w io.Writer) {
		if len(tasks) == 0 {
			fmt.Fprintln(w, "No tasks.")
			return
		}
		for _, t := range tasks {
			fmt.Fprintf(w, "%d\t%s\t%s\n", t.ID, t.TaskType, t.Status)
		}
	})
}

func newTaskCompleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TaskCompleteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete an onboarding task",
		Long: `Complete an onboarding task and set the matching pre-visit flag on
the patient. Completing a task twice changes nothing.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskComplete(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes to store on the task")

	return cmd
}

func runTaskComplete(opts *TaskCompleteOptions, idArg string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	id, err := parseID("task", idArg)
	if err != nil {
		return formatter.Fail("invalid argument", err, nil)
	}

	a, err := openApp(opts.RootOptions, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	task, err := a.onboarding.CompleteTask(cmd.Context(), id, opts.Notes)
	if err != nil {
		return formatter.Fail("failed to complete task", err, nil)
	}

	return formatter.Emit(task, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Task %d (%s) completed for patient %d\n", task.ID, task.TaskType, task.PatientID)
	})
}
