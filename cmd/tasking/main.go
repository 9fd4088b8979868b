package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/contentforge/tasking/internal/cli"
	internal_http "github.com/contentforge/tasking/internal/http"
	"github.com/contentforge/tasking/internal/log"
	"github.com/contentforge/tasking/internal/notify"
	internal_storage "github.com/contentforge/tasking/internal/storage"
	"github.com/contentforge/tasking/pkg/service"
)

var rootCmd = &cobra.Command{Use: "tasking"}

func init() {
	// sleep is a demo work for smoke-testing a deployment
	_ = service.RegisterWork("sleep", func(ctx context.Context, job service.Job) error {
		seconds := 1.0
		if v, ok := job.Args["seconds"].(float64); ok {
			seconds = v
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(seconds * float64(time.Second))):
			return nil
		}
	})
}

func connString(cmd *cobra.Command) string {
	if err := godotenv.Load(); err != nil {
		log.GetLogger().Debugf("No .env file found or failed to load: %v", err)
	}
	connStr, _ := cmd.Flags().GetString("db")
	if connStr != "" {
		return connStr
	}
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		fmt.Println("Error: --db flag or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
		os.Exit(1)
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}

func buildNotifier(cmd *cobra.Command, connStr string) service.Notifier {
	backend, _ := cmd.Flags().GetString("notify")
	switch backend {
	case "postgres":
		notifier, err := notify.NewPostgresNotifier(connStr)
		if err != nil {
			log.GetLogger().Errorf("Failed to connect postgres notifier: %v", err)
			os.Exit(1)
		}
		return notifier
	case "redis":
		addr, _ := cmd.Flags().GetString("redis")
		notifier, err := notify.NewRedisNotifier(addr)
		if err != nil {
			log.GetLogger().Errorf("Failed to connect redis notifier: %v", err)
			os.Exit(1)
		}
		return notifier
	case "memory":
		return notify.NewMemoryNotifier()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown notify backend %q (postgres, redis, memory)\n", backend)
		os.Exit(1)
		return nil
	}
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker: heartbeat, claim and execute tasks",
	Run: func(cmd *cobra.Command, args []string) {
		connStr := connString(cmd)
		store, err := internal_storage.InitStore(connStr)
		if err != nil {
			log.GetLogger().Errorf("Failed to initialize store: %v", err)
			os.Exit(1)
		}
		defer store.Close()

		notifier := buildNotifier(cmd, connStr)
		logger := log.GetLogger()
		workers := service.NewWorkerService(store, notifier, logger)
		executor := service.NewSubprocessExecutor(store, connStr, logger)

		scheduler := service.NewScheduler(store, notifier, executor, workers, logger)
		if name, _ := cmd.Flags().GetString("name"); name != "" {
			scheduler.WorkerName = name
		}
		if interval, _ := cmd.Flags().GetDuration("heartbeat"); interval > 0 {
			scheduler.HeartbeatInterval = interval
			executor.PollInterval = interval
		}
		if missingAfter, _ := cmd.Flags().GetDuration("missing-after"); missingAfter > 0 {
			workers.MissingAfter = missingAfter
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := scheduler.Run(ctx); err != nil {
			log.GetLogger().Errorf("Dispatch loop failed: %v", err)
			os.Exit(1)
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Run: func(cmd *cobra.Command, args []string) {
		connStr := connString(cmd)
		store, err := internal_storage.InitStore(connStr)
		if err != nil {
			log.GetLogger().Errorf("Failed to initialize store: %v", err)
			os.Exit(1)
		}
		defer store.Close()

		notifier := buildNotifier(cmd, connStr)
		port, _ := cmd.Flags().GetString("port")
		if err := internal_http.StartServer(port, store, notifier); err != nil {
			log.GetLogger().Errorf("Server failed: %v", err)
			os.Exit(1)
		}
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		connStr := connString(cmd)
		dir, _ := cmd.Flags().GetString("migrations")
		m, err := migrate.New("file://"+dir, connStr)
		if err != nil {
			log.GetLogger().Errorf("Failed to initialize migrations: %v", err)
			os.Exit(1)
		}
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.GetLogger().Errorf("Failed to apply migrations: %v", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

var execTaskCmd = &cobra.Command{
	Use:    "exec-task",
	Short:  "Run one task's work in this process (invoked by the worker)",
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		rawID, _ := cmd.Flags().GetString("task")
		taskID, err := uuid.Parse(rawID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid task id %q: %v\n", rawID, err)
			os.Exit(1)
		}
		connStr := connString(cmd)
		store, err := internal_storage.InitStore(connStr)
		if err != nil {
			log.GetLogger().Errorf("Failed to initialize store: %v", err)
			os.Exit(1)
		}
		code := service.RunWork(store, service.DefaultRegistry, taskID)
		store.Close()
		os.Exit(code)
	},
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
	rootCmd.PersistentFlags().String("notify", "postgres", "Notification backend: postgres, redis or memory")
	rootCmd.PersistentFlags().String("redis", "localhost:6379", "Redis address for the redis notify backend")

	workerCmd.Flags().String("name", "", "Worker name (defaults to host:pid)")
	workerCmd.Flags().Duration("heartbeat", 0, "Heartbeat interval")
	workerCmd.Flags().Duration("missing-after", 0, "Declare workers missing after this much heartbeat silence")

	serveCmd.Flags().String("port", "8080", "HTTP listen port")

	migrateCmd.Flags().String("migrations", "migrations", "Path to migration files")

	execTaskCmd.Flags().String("task", "", "Task id to execute")

	rootCmd.AddCommand(workerCmd, serveCmd, migrateCmd, execTaskCmd)
	cli.SetupCLI(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
