package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/domain"
)

// NewStatsCmd создаёт команду вывода статистики очереди.
func NewStatsCmd(serviceFn ServiceFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := serviceFn(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := svc.Stats(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(domain.AllStatuses)+3)
			for _, s := range domain.AllStatuses {
				rows = append(rows, []string{s.String(), strconv.Itoa(stats.Counts[s])})
			}
			rows = append(rows,
				[]string{"TOTAL", strconv.Itoa(stats.Total())},
				[]string{"OLDEST_QUEUED_AGE", stats.OldestQueuedAge.String()},
				[]string{"COMPLETED_LAST_MINUTE", strconv.Itoa(stats.CompletedLastMinute)},
			)
			return outputFn().Print([]string{"METRIC", "VALUE"}, rows, stats)
		},
	}
}

// NewReclaimCmd создаёт команду одного прохода reclaim sweep.
func NewReclaimCmd(serviceFn ServiceFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Return tasks with expired leases to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := serviceFn(cmd.Context())
			if err != nil {
				return err
			}
			n, err := svc.Reclaim(cmd.Context())
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Reclaimed %d tasks", n))
			return nil
		},
	}
}

// NewMigrateCmd создаёт команду применения схемы БД.
func NewMigrateCmd(migrateFn func(ctx context.Context) error, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := migrateFn(cmd.Context()); err != nil {
				return err
			}
			outputFn().Success("Schema applied")
			return nil
		},
	}
}
