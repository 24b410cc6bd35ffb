package main

import (
	"context"
	stdErrors "errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tiny-agent/internal/api"
	"tiny-agent/internal/config"
	"tiny-agent/internal/observability/alerting"
	"tiny-agent/internal/task"
	"tiny-agent/pkg/logger"
)

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API together with the task processor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				c.cfg.Server.Address = addr
			}
			return serve(cmd.Context(), c.cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Named("serve")

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			log.Warn("释放运行时资源失败", slog.Any("error", err))
		}
	}()

	store, err := openTaskStore(ctx, cfg)
	if err != nil {
		return err
	}
	queue, err := openTaskQueue(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer func() {
		if err := stdErrors.Join(queue.Close(), store.Close()); err != nil {
			log.Warn("关闭任务存储或队列失败", slog.Any("error", err))
		}
	}()

	service := task.NewService(store, queue, cfg.Storage.TaskStore.MaxRetries)
	processor := task.NewProcessor(rt, store, queue, queue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithAlertDispatcher(alerting.New(cfg.Alerting)),
	)
	server := api.NewServer(cfg.Server.Address, service,
		api.WithTools(rt),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
	)

	log.Info("服务启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("queue", cfg.TaskQueue.Driver),
		slog.String("store", cfg.Storage.TaskStore.Driver),
		slog.Int("workers", cfg.TaskQueue.Workers),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Start(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	err = g.Wait()
	if stdErrors.Is(err, context.Canceled) {
		log.Info("服务已停止")
		return nil
	}
	return err
}

func openTaskStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	switch cfg.Storage.TaskStore.Driver {
	case "mysql":
		return task.NewMySQLStore(ctx, task.MySQLConfig{
			DSN:             cfg.Storage.TaskStore.DSN,
			MaxOpenConns:    cfg.Storage.TaskStore.MaxOpen,
			MaxIdleConns:    cfg.Storage.TaskStore.MaxIdle,
			ConnMaxLifetime: cfg.Storage.TaskStore.MaxLife,
		})
	default:
		return task.NewMemoryStore(), nil
	}
}

func openTaskQueue(ctx context.Context, cfg *config.Config) (task.Queue, error) {
	switch cfg.TaskQueue.Driver {
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:  cfg.TaskQueue.Redis.Address,
			Password: cfg.TaskQueue.Redis.Password,
			DB:       cfg.TaskQueue.Redis.DB,
			Queue:    cfg.TaskQueue.Redis.Queue,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.TaskQueue.RabbitMQ.URL,
			Queue:    cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch: cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:  true,
		})
	default:
		return task.NewMemoryQueue(cfg.TaskQueue.Buffer), nil
	}
}
