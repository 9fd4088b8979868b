package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/contentforge/tasking/internal/log"
	"github.com/contentforge/tasking/internal/notify"
	internal_storage "github.com/contentforge/tasking/internal/storage"
	"github.com/contentforge/tasking/pkg/models"
	"github.com/contentforge/tasking/pkg/service"
	"github.com/contentforge/tasking/pkg/storage"
)

// SetupCLI attaches the admin commands to the root command. Every command
// reads the database connection from the persistent --db flag.
func SetupCLI(rootCmd *cobra.Command) {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, optionally filtered by state",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			svc := taskService(store)

			var filter storage.TaskFilter
			state, _ := cmd.Flags().GetString("state")
			if state != "" {
				st := models.TaskState(state)
				if !st.Valid() {
					fmt.Fprintf(os.Stderr, "Error: invalid state %q\n", state)
					os.Exit(1)
				}
				filter.States = []models.TaskState{st}
			}
			limit, _ := cmd.Flags().GetInt("limit")
			filter.Limit = limit
			listTasks(svc, filter)
		},
	}
	listCmd.Flags().String("state", "", "Filter by task state")
	listCmd.Flags().Int("limit", 0, "Maximum number of tasks to print")

	showCmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show one task with its progress reports",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			showTask(taskService(store), parseID(args[0]))
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Request cancellation of a task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			cancelTask(cmd, store, parseID(args[0]))
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished tasks older than the retention window",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			purgeTasks(taskService(store), olderThan)
		},
	}
	purgeCmd.Flags().Duration("older-than", 30*24*time.Hour, "Purge tasks finished longer ago than this")

	workersCmd := &cobra.Command{
		Use:   "workers",
		Short: "List workers and their liveness",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			includeGone, _ := cmd.Flags().GetBool("include-gone")
			listWorkers(store, includeGone)
		},
	}
	workersCmd.Flags().Bool("include-gone", false, "Include soft-deleted workers")

	groupCmd := &cobra.Command{
		Use:   "group [id]",
		Short: "Show a task group with its per-state counts",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			showGroup(store, parseID(args[0]))
		},
	}

	rootCmd.AddCommand(listCmd, showCmd, cancelCmd, purgeCmd, workersCmd, groupCmd)
}

func parseID(raw string) uuid.UUID {
	id, err := uuid.Parse(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid task id %q: %v\n", raw, err)
		os.Exit(1)
	}
	return id
}

func taskService(store storage.Store) *service.TaskService {
	// read-only commands never notify
	return service.NewTaskService(store, notify.NewMemoryNotifier(), log.GetLogger())
}

func listTasks(svc *service.TaskService, filter storage.TaskFilter) {
	tasks, err := svc.ListTasks(filter)
	if err != nil {
		log.GetLogger().Errorf("Failed to list tasks: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list tasks: %v\n", err)
		os.Exit(1)
	}
	if len(tasks) == 0 {
		fmt.Fprintf(os.Stdout, "No tasks found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Tasks:\n")
	for _, task := range tasks {
		worker := "-"
		if task.WorkerName != nil {
			worker = *task.WorkerName
		}
		fmt.Fprintf(os.Stdout, "- ID: %s, Name: %s, State: %s, Worker: %s, Created: %s\n",
			task.ID, task.Name, task.State, worker, task.CreatedAt.Format(time.RFC3339))
	}
}

func showTask(svc *service.TaskService, id uuid.UUID) {
	task, err := svc.GetTask(id)
	if err != nil {
		log.GetLogger().Errorf("Failed to get task: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to get task: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "ID: %s\nName: %s\nState: %s\nWork: %s\nCorrelation: %s\n",
		task.ID, task.Name, task.State, task.Work, task.CorrelationID)
	if len(task.ExclusiveResources) > 0 {
		fmt.Fprintf(os.Stdout, "Exclusive resources: %v\n", []string(task.ExclusiveResources))
	}
	if len(task.SharedResources) > 0 {
		fmt.Fprintf(os.Stdout, "Shared resources: %v\n", []string(task.SharedResources))
	}
	if task.Error != nil {
		fmt.Fprintf(os.Stdout, "Error: %s\n", task.Error.Description)
	}
	if len(task.CreatedResources) > 0 {
		fmt.Fprintf(os.Stdout, "Created resources: %v\n", []string(task.CreatedResources))
	}

	reports, err := svc.ListProgressReports(id)
	if err != nil {
		log.GetLogger().Errorf("Failed to list progress reports: %v", err)
		return
	}
	for _, pr := range reports {
		if pr.Total != nil {
			fmt.Fprintf(os.Stdout, "Progress: %s %d/%d %s\n", pr.Message, pr.Done, *pr.Total, pr.Suffix)
		} else {
			fmt.Fprintf(os.Stdout, "Progress: %s %d %s\n", pr.Message, pr.Done, pr.Suffix)
		}
	}
}

func cancelTask(cmd *cobra.Command, store storage.Store, id uuid.UUID) {
	// cancel goes through the database notifier so running workers observe
	// the wakeup
	connStr, _ := cmd.Flags().GetString("db")
	notifier, err := notify.NewPostgresNotifier(connStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to connect notifier: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to connect notifier: %v\n", err)
		os.Exit(1)
	}
	defer notifier.Close()

	svc := service.NewTaskService(store, notifier, log.GetLogger())
	task, err := svc.Cancel(context.Background(), id)
	if err != nil {
		log.GetLogger().Errorf("Failed to cancel task: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to cancel task: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Task %s is now %s\n", task.ID, task.State)
}

func purgeTasks(svc *service.TaskService, olderThan time.Duration) {
	deleted, err := svc.Purge(time.Now().Add(-olderThan), nil)
	if err != nil {
		log.GetLogger().Errorf("Failed to purge tasks: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to purge tasks: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Purged %d tasks\n", deleted)
}

func listWorkers(store storage.Store, includeGone bool) {
	svc := service.NewWorkerService(store, notify.NewMemoryNotifier(), log.GetLogger())
	workers, err := svc.List(includeGone)
	if err != nil {
		log.GetLogger().Errorf("Failed to list workers: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list workers: %v\n", err)
		os.Exit(1)
	}
	if len(workers) == 0 {
		fmt.Fprintf(os.Stdout, "No workers found.\n")
		return
	}
	now := time.Now()
	fmt.Fprintf(os.Stdout, "Workers:\n")
	for _, w := range workers {
		current := "-"
		if w.CurrentTask != nil {
			current = w.CurrentTask.String()
		}
		fmt.Fprintf(os.Stdout, "- Name: %s, Status: %s, Task: %s, Last heartbeat: %s\n",
			w.Name, w.Status(now, svc.MissingAfter), current, w.LastHeartbeat.Format(time.RFC3339))
	}
}

func showGroup(store storage.Store, id uuid.UUID) {
	svc := service.NewGroupService(store, log.GetLogger())
	group, err := svc.Get(id)
	if err != nil {
		log.GetLogger().Errorf("Failed to get task group: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to get task group: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "ID: %s\nDescription: %s\nAll tasks dispatched: %v\nTotal tasks: %d\n",
		group.ID, group.Description, group.AllTasksDispatched, group.Total())
	for state, n := range group.Counts {
		fmt.Fprintf(os.Stdout, "- %s: %d\n", state, n)
	}
}

func initStore(cmd *cobra.Command) *internal_storage.PostgresStore {
	connStr, err := cmd.Flags().GetString("db")
	if err != nil || connStr == "" {
		fmt.Fprintln(os.Stderr, "Error: --db flag is required")
		os.Exit(1)
	}
	store, err := internal_storage.InitStore(connStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
