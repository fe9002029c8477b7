package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/rollcall/internal/attendance"
	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/database/postgres"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export attendance records as CSV",
	Long: `Export attendance records as CSV to a file or standard output.

Examples:
  # Everything, to stdout
  rollcall export

  # March 2026 for one department, to a file
  rollcall export --date-from 2026-03-01 --date-to 2026-03-31 --department "Computer Science" --out march.csv

  # One student's absences
  rollcall export --student S001 --status Absent`,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().String("out", "", "Output file (defaults to stdout)")
	exportCmd.Flags().String("date-from", "", "Start date, YYYY-MM-DD (inclusive)")
	exportCmd.Flags().String("date-to", "", "End date, YYYY-MM-DD (inclusive)")
	exportCmd.Flags().String("status", "", "Filter by attendance status")
	exportCmd.Flags().String("student", "", "Filter by student ID")
	exportCmd.Flags().String("department", "", "Filter by department")
}

func runExport(cmd *cobra.Command, args []string) error {
	out := mustGetString(cmd, "out")

	filter := database.AttendanceFilter{
		StudentID:  mustGetString(cmd, "student"),
		Department: mustGetString(cmd, "department"),
		Status:     mustGetString(cmd, "status"),
	}
	var err error
	if filter.DateFrom, err = parseDateFlag(cmd, "date-from"); err != nil {
		return err
	}
	if filter.DateTo, err = parseDateFlag(cmd, "date-to"); err != nil {
		return err
	}

	cfg := config.Load()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}
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

	// CSV goes to stdout unless --out is set, so keep chatter on stderr.
	var w io.Writer = os.Stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	rows, err := service.ExportCSV(context.Background(), w, filter)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	if out != "" {
		fmt.Printf("Exported %d rows to %s\n", rows, out)
	} else {
		fmt.Fprintf(os.Stderr, "Exported %d rows\n", rows)
	}
	return nil
}

// parseDateFlag parses a YYYY-MM-DD flag value. Unset means the zero time.
func parseDateFlag(cmd *cobra.Command, name string) (time.Time, error) {
	raw := mustGetString(cmd, name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q: expected YYYY-MM-DD", name, raw)
	}
	return t, nil
}
