package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
)

// NewEventsCmd создаёт команду чтения событий tasks из RabbitMQ.
//
// Сообщения подтверждаются: команда разбирает очередь, а не подглядывает.
// С --dead читается conveyor.dead-tasks (tasks в FAILED).
func NewEventsCmd(connFn func() (*mq.Connection, error), outputFn func() *Output) *cobra.Command {
	var dead bool
	var prefetch int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Consume task events (Ctrl+C to stop)",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := connFn()
			if err != nil {
				return err
			}
			defer conn.Close()

			queue := mq.QueueTaskEvents
			if dead {
				queue = mq.QueueDeadTasks
			}
			if err := mq.SetupTopology(cmd.Context(), conn); err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Consuming %s", queue))

			consumer := mq.NewConsumer(conn, nil, mq.ConsumerConfig{
				Queue:    queue,
				Prefetch: prefetch,
				Handler: func(_ context.Context, d *mq.Delivery) error {
					event, err := mq.ParsePayload[domain.TaskEvent](&d.Message)
					if err != nil {
						// Битое сообщение не чинится повтором.
						out.Error(fmt.Sprintf("skip message %s: %v", d.Message.ID, err))
						return nil
					}
					return printEvent(out, event)
				},
			})
			if err := consumer.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dead, "dead", false, "Consume dead tasks (task.failed) instead of all events")
	cmd.Flags().IntVar(&prefetch, "prefetch", 10, "RabbitMQ prefetch count")

	return cmd
}

// printEvent выводит событие одной строкой (или JSON).
func printEvent(out *Output, event domain.TaskEvent) error {
	if out.jsonMode {
		return out.JSON(event)
	}
	_, err := fmt.Fprintf(out.w, "%s  %-15s  %s  %-20s  attempts=%d  %s\n",
		event.At.Format(time.RFC3339), event.Type, event.TaskID, event.TaskType, event.Attempts, event.Error)
	return err
}
