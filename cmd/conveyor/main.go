// Conveyor CLI — инструмент командной строки для работы с очередью.
//
// Использование:
//
//	conveyor [--db-url URL] [--amqp-url URL] [--json] <command> [flags]
//
// Команды:
//
//	enqueue   Поставить task в очередь
//	task      Просмотр и управление tasks
//	stats     Статистика очереди
//	reclaim   Один проход reclaim sweep
//	migrate   Применить схему БД
//	events    Чтение событий tasks из RabbitMQ
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/cli"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/queue"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var dbURL string
	var jsonOutput bool
	var verbose bool
	var amqpURL string

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:           "conveyor",
		Short:         "Conveyor CLI — durable task queue",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", cfg.DBURL, "PostgreSQL connection URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	defaultAMQP := cfg.RabbitMQURL
	if defaultAMQP == "" {
		defaultAMQP = mq.DefaultURL()
	}
	rootCmd.PersistentFlags().StringVar(&amqpURL, "amqp-url", defaultAMQP, "RabbitMQ connection URL (events command)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log queue operations to stderr")

	var pool *pgxpool.Pool
	defer func() {
		if pool != nil {
			pool.Close()
		}
	}()
	poolFn := func(ctx context.Context) (*pgxpool.Pool, error) {
		if pool != nil {
			return pool, nil
		}
		p, err := repo.NewPool(ctx, dbURL, 2)
		if err != nil {
			return nil, err
		}
		pool = p
		return pool, nil
	}

	serviceFn := func(ctx context.Context) (cli.Service, error) {
		p, err := poolFn(ctx)
		if err != nil {
			return nil, err
		}
		var logWriter io.Writer = io.Discard
		if verbose {
			logWriter = os.Stderr
		}
		qcfg := cfg.QueueConfig()
		qcfg.Store = repo.NewTaskRepo(p)
		qcfg.Logger = telemetry.NewLogger(logWriter, "DEBUG", "text")
		return queue.NewService(qcfg), nil
	}
	migrateFn := func(ctx context.Context) error {
		p, err := poolFn(ctx)
		if err != nil {
			return err
		}
		return repo.Migrate(ctx, p)
	}
	connFn := func() (*mq.Connection, error) {
		var logWriter io.Writer = io.Discard
		if verbose {
			logWriter = os.Stderr
		}
		return mq.NewConnection(amqpURL, "conveyor-cli", telemetry.NewLogger(logWriter, "DEBUG", "text"))
	}
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewEnqueueCmd(serviceFn, outputFn),
		cli.NewTaskCmd(serviceFn, outputFn),
		cli.NewStatsCmd(serviceFn, outputFn),
		cli.NewReclaimCmd(serviceFn, outputFn),
		cli.NewMigrateCmd(migrateFn, outputFn),
		cli.NewEventsCmd(connFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if pool != nil {
			pool.Close()
		}
		os.Exit(1)
	}
}
