package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/rollcall/internal/attendance"
	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/database/postgres"
	"github.com/kozaktomas/rollcall/internal/encoder"
	"github.com/kozaktomas/rollcall/internal/logging"
	"github.com/kozaktomas/rollcall/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the attendance API server",
	Long: `Start the Rollcall HTTP API.
The server exposes student enrollment, frame recognition, attendance,
class sessions, leave requests, and roster sync endpoints. A recognition
session is started at boot from the enrolled gallery.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
}

// initRegistrationIndex builds or loads the HNSW index used for
// near-duplicate checks during registration.
func initRegistrationIndex(ctx context.Context, repo *postgres.EncodingRepository, indexPath string, dim int) {
	if indexPath != "" {
		fmt.Printf("Loading registration index from %s...\n", indexPath)
	} else {
		fmt.Println("Building in-memory registration index...")
	}
	if err := repo.EnableIndex(ctx, indexPath, dim); err != nil {
		fmt.Printf("Warning: failed to build registration index: %v\n", err)
		fmt.Println("Similarity checks will use PostgreSQL queries (slower)")
		return
	}
	if indexPath != "" {
		fmt.Printf("Registration index ready with %d encodings (persisted to %s)\n", repo.IndexCount(), indexPath)
	} else {
		fmt.Printf("Registration index built with %d encodings (in-memory only)\n", repo.IndexCount())
	}
}

// registerServeBackends re-registers the storage backend with shared
// repository instances so the recognition session and the HTTP handlers
// see the same registration index.
func registerServeBackends(pool *postgres.Pool) (
	*postgres.StudentRepository, *postgres.EncodingRepository,
	*postgres.AttendanceRepository, *postgres.SessionRepository, *postgres.LeaveRepository,
) {
	students := postgres.NewStudentRepository(pool)
	encodings := postgres.NewEncodingRepository(pool)
	attendanceRepo := postgres.NewAttendanceRepository(pool)
	sessions := postgres.NewSessionRepository(pool)
	leaves := postgres.NewLeaveRepository(pool)

	database.RegisterPostgresBackend(
		func() database.StudentWriter { return students },
		func() database.EncodingWriter { return encodings },
		func() database.AttendanceWriter { return attendanceRepo },
		func() database.SessionWriter { return sessions },
		func() database.LeaveWriter { return leaves },
	)
	database.RegisterIndexRebuilder(encodings)

	return students, encodings, attendanceRepo, sessions, leaves
}

// startCloseoutScheduler schedules the daily absent closeout when
// CLOSEOUT_AT is configured. Returns nil when the closeout is disabled.
func startCloseoutScheduler(cfg *config.Config, service *attendance.Service, logger *zap.Logger) *gocron.Scheduler {
	if cfg.Scheduler.CloseoutAt == "" {
		return nil
	}

	scheduler := gocron.NewScheduler(time.Local)
	_, err := scheduler.Every(1).Day().At(cfg.Scheduler.CloseoutAt).Do(func() {
		marked, err := service.CloseoutAbsent(context.Background(), time.Now())
		if err != nil {
			logger.Error("daily absent closeout failed", zap.Error(err))
			return
		}
		logger.Info("daily absent closeout finished", zap.Int("marked", marked))
	})
	if err != nil {
		logger.Error("failed to schedule absent closeout",
			zap.String("at", cfg.Scheduler.CloseoutAt), zap.Error(err))
		return nil
	}

	scheduler.StartAsync()
	fmt.Printf("Daily absent closeout scheduled at %s\n", cfg.Scheduler.CloseoutAt)
	return scheduler
}

// saveRegistrationIndex saves the registration index to disk during shutdown.
func saveRegistrationIndex() {
	rebuilder := database.GetIndexRebuilder()
	if rebuilder == nil {
		return
	}
	if err := rebuilder.SaveIndex(); err != nil {
		fmt.Printf("Warning: failed to save registration index: %v\n", err)
	} else {
		fmt.Println("Registration index saved to disk")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	fmt.Println("Connecting to PostgreSQL database...")
	if err := postgres.Initialize(&cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}

	pool := postgres.GetGlobalPool()
	students, encodings, attendanceRepo, sessions, leaves := registerServeBackends(pool)

	ctx := context.Background()
	initRegistrationIndex(ctx, encodings, cfg.Database.HNSWIndexPath, cfg.Encoder.Dim)

	if cmd.Flags().Changed("port") {
		cfg.Web.Port = mustGetInt(cmd, "port")
	}
	if cmd.Flags().Changed("host") {
		cfg.Web.Host = mustGetString(cmd, "host")
	}

	enc := encoder.NewClient(cfg.Encoder.URL, cfg.Encoder.Model, cfg.Encoder.Timeout)

	recognizer := attendance.NewRecognizer(enc, students, encodings, attendanceRepo, sessions,
		attendance.RecognizerConfig{
			Dim:            cfg.Encoder.Dim,
			MatchThreshold: cfg.Recognition.MatchThreshold,
			Grace:          cfg.Recognition.Grace,
			SessionStart:   cfg.Recognition.SessionStart,
		}, logger)
	service := attendance.NewService(students, attendanceRepo, leaves, logger)

	if err := recognizer.Start(ctx); err != nil {
		fmt.Printf("Warning: recognition session not started: %v\n", err)
		fmt.Println("Fix the gallery and POST /api/v1/gallery/refresh to start matching")
	} else {
		info := recognizer.Info()
		fmt.Printf("Recognition session running: %d encodings for %d students\n", info.Size, info.Students)
	}

	scheduler := startCloseoutScheduler(cfg, service, logger)

	server := web.NewServer(cfg, enc, recognizer, service, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		recognizer.Stop()
		if scheduler != nil {
			scheduler.Stop()
		}
		saveRegistrationIndex()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting Rollcall API on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
