package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/domain"
)

var taskHeaders = []string{"ID", "TYPE", "STATUS", "PRIORITY", "ATTEMPTS", "LOCKED_BY", "RUN_AFTER", "CREATED"}

func taskRow(t *domain.Task) []string {
	return []string{
		t.ID.String(),
		t.Type,
		t.Status.String(),
		strconv.Itoa(t.Priority),
		fmt.Sprintf("%d/%d", t.Attempts, t.MaxAttempts),
		orDash(t.LockedBy),
		formatTime(&t.RunAfter),
		formatTime(&t.CreatedAt),
	}
}

// NewEnqueueCmd создаёт команду постановки task в очередь.
func NewEnqueueCmd(serviceFn ServiceFunc, outputFn func() *Output) *cobra.Command {
	var (
		payload        string
		payloadFile    string
		priority       int
		maxAttempts    int
		capabilities   []string
		idempotencyKey string
		delay          time.Duration
		runAt          string
	)

	cmd := &cobra.Command{
		Use:   "enqueue TYPE",
		Short: "Enqueue a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.EnqueueRequest{
				Type:           args[0],
				Priority:       priority,
				MaxAttempts:    maxAttempts,
				IdempotencyKey: idempotencyKey,
			}

			raw := payload
			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return fmt.Errorf("read payload file: %w", err)
				}
				raw = string(data)
			}
			if raw != "" {
				if err := json.Unmarshal([]byte(raw), &req.Payload); err != nil {
					return fmt.Errorf("payload must be a JSON object: %w", err)
				}
			}

			if len(capabilities) > 0 {
				req.Capabilities = make(map[string]string, len(capabilities))
				for _, kv := range capabilities {
					k, v, ok := strings.Cut(kv, "=")
					if !ok || k == "" {
						return fmt.Errorf("invalid capability format %q, expected KEY=VALUE", kv)
					}
					req.Capabilities[k] = v
				}
			}

			switch {
			case runAt != "" && delay > 0:
				return fmt.Errorf("--run-at and --delay are mutually exclusive")
			case runAt != "":
				at, err := time.Parse(time.RFC3339, runAt)
				if err != nil {
					return fmt.Errorf("invalid --run-at: %w", err)
				}
				req.RunAfter = &at
			case delay > 0:
				at := time.Now().Add(delay)
				req.RunAfter = &at
			}

			svc, err := serviceFn(cmd.Context())
			if err != nil {
				return err
			}
			task, created, err := svc.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}

			out := outputFn()
			if created {
				out.Success(fmt.Sprintf("Task enqueued: %s", task.ID))
			} else {
				out.Success(fmt.Sprintf("Task already exists: %s", task.ID))
			}
			return out.Print(taskHeaders, [][]string{taskRow(task)}, task)
		},
	}

	cmd.Flags().StringVar(&payload, "payload", "", "Task payload as a JSON object")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "Read payload JSON from file")
	cmd.Flags().IntVar(&priority, "priority", 0, "Priority (lower is more urgent)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Maximum attempts (server default if 0)")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "Required worker capability as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency key")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Delay before the task becomes visible")
	cmd.Flags().StringVar(&runAt, "run-at", "", "Earliest run time (RFC3339)")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")

	return cmd
}

// NewTaskCmd создаёт группу команд для просмотра и управления tasks.
func NewTaskCmd(serviceFn ServiceFunc, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and manage tasks",
	}

	cmd.AddCommand(
		newTaskListCmd(serviceFn, outputFn),
		newTaskShowCmd(serviceFn, outputFn),
		newTaskRequeueCmd(serviceFn, outputFn),
	)

	return cmd
}

func newTaskListCmd(serviceFn ServiceFunc, outputFn func() *Output) *cobra.Command {
	var status, taskType string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks (newest first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := domain.TaskFilter{Type: taskType, Limit: limit, Offset: offset}
			if status != "" {
				s, ok := domain.ParseTaskStatus(status)
				if !ok {
					return fmt.Errorf("unknown status %q", status)
				}
				filter.Status = s
			}

			svc, err := serviceFn(cmd.Context())
			if err != nil {
				return err
			}
			tasks, err := svc.ListTasks(cmd.Context(), filter)
			if err != nil {
				return err
			}

			rows := make([][]string, len(tasks))
			for i := range tasks {
				rows[i] = taskRow(&tasks[i])
			}
			return outputFn().Print(taskHeaders, rows, tasks)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (QUEUED, LEASED, COMPLETED, FAILED)")
	cmd.Flags().StringVar(&taskType, "type", "", "Filter by task type")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip the first N results")

	return cmd
}

func newTaskShowCmd(serviceFn ServiceFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show TASK_ID",
		Short: "Show task details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			svc, err := serviceFn(cmd.Context())
			if err != nil {
				return err
			}
			task, err := svc.GetTask(cmd.Context(), id)
			if err != nil {
				return err
			}

			rows := [][]string{
				{"ID", task.ID.String()},
				{"Type", task.Type},
				{"Status", task.Status.String()},
				{"Priority", strconv.Itoa(task.Priority)},
				{"Attempts", fmt.Sprintf("%d/%d", task.Attempts, task.MaxAttempts)},
				{"Locked by", orDash(task.LockedBy)},
				{"Lease until", formatTime(task.LeaseUntil)},
				{"Progress", fmt.Sprintf("%d%% %s", task.Progress, task.ProgressMessage)},
				{"Run after", formatTime(&task.RunAfter)},
				{"Created", formatTime(&task.CreatedAt)},
				{"Finished", formatTime(task.FinishedAt)},
				{"Error", orDash(task.ErrorMessage)},
			}
			return outputFn().Print([]string{"FIELD", "VALUE"}, rows, task)
		},
	}
}

func newTaskRequeueCmd(serviceFn ServiceFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue TASK_ID",
		Short: "Move a FAILED task back to the queue with attempts reset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			svc, err := serviceFn(cmd.Context())
			if err != nil {
				return err
			}
			task, err := svc.Requeue(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Task requeued: %s", task.ID))
			return out.Print(taskHeaders, [][]string{taskRow(task)}, task)
		},
	}
}
