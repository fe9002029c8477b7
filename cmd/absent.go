package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/rollcall/internal/attendance"
	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/database/postgres"
	"github.com/kozaktomas/rollcall/internal/facematch"
)

var absentCmd = &cobra.Command{
	Use:   "absent",
	Short: "Mark unmarked students absent for a day",
	Long: `Mark every active student without an attendance record on the given
day as Absent. The serve command runs this automatically at CLOSEOUT_AT;
use this command to close out a day by hand or to backfill one.

The operation is idempotent: students who already have a record for the
day are left alone.

Examples:
  # Close out today
  rollcall absent

  # Backfill a specific day
  rollcall absent --date 2026-03-10`,
	RunE: runAbsent,
}

func init() {
	rootCmd.AddCommand(absentCmd)

	absentCmd.Flags().String("date", "", "Day to close out, YYYY-MM-DD (defaults to today)")
}

func runAbsent(cmd *cobra.Command, args []string) error {
	day, err := parseDateFlag(cmd, "date")
	if err != nil {
		return err
	}
	if day.IsZero() {
		day = time.Now()
	}

	cfg := config.Load()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	fmt.Println("Connecting to PostgreSQL database...")
	if err := postgres.Initialize(&cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	pool := postgres.GetGlobalPool()

	service := attendance.NewService(
		postgres.NewStudentRepository(pool),
		postgres.NewAttendanceRepository(pool),
		postgres.NewLeaveRepository(pool),
		zap.NewNop(),
	)

	ctx := context.Background()
	marked, err := service.CloseoutAbsent(ctx, day)
	if err != nil {
		return fmt.Errorf("closeout failed: %w", err)
	}
	fmt.Printf("Marked %d students absent for %s\n", marked, day.Format("2006-01-02"))

	summary, err := service.Summarize(ctx, day)
	if err != nil {
		return fmt.Errorf("failed to summarize day: %w", err)
	}
	fmt.Printf("\nDay summary (%d active students):\n", summary.Students)
	for _, status := range []facematch.Status{
		facematch.StatusPresent, facematch.StatusLate, facematch.StatusAbsent,
		facematch.StatusExcused, facematch.StatusOnLeave,
	} {
		if n := summary.Counts[string(status)]; n > 0 {
			fmt.Printf("  %-10s %d\n", string(status), n)
		}
	}
	if summary.Unmarked > 0 {
		fmt.Printf("  %-10s %d\n", "Unmarked", summary.Unmarked)
	}
	return nil
}
