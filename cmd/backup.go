package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/constants"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/database/postgres"
)

var backupCmd = &cobra.Command{
	Use:   "backup [file]",
	Short: "Write students and encodings to a backup file",
	Long: `Write all students (active and inactive) and their face encodings to
a single backup file. Attendance history is not included; use
'rollcall export' for that.

Examples:
  # Back up the roster and encodings
  rollcall backup roster.bak`,
	Args: cobra.ExactArgs(1),
	RunE: runBackup,
}

var restoreCmd = &cobra.Command{
	Use:   "restore [file]",
	Short: "Restore students and encodings from a backup file",
	Long: `Restore students and face encodings from a file written by
'rollcall backup'. Students already in the database are overwritten and
their encodings replaced with the backed-up ones.

Examples:
  rollcall restore roster.bak`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	fmt.Println("Connecting to PostgreSQL database...")
	if err := postgres.Initialize(&cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	pool := postgres.GetGlobalPool()
	students := postgres.NewStudentRepository(pool)
	encodings := postgres.NewEncodingRepository(pool)

	ctx := context.Background()

	var roster []database.Student
	page := 1
	for {
		batch, total, err := students.List(ctx, database.StudentFilter{
			IncludeInactive: true,
			Page:            page,
			PerPage:         constants.MaxPerPage,
		})
		if err != nil {
			return fmt.Errorf("failed to list students: %w", err)
		}
		roster = append(roster, batch...)
		if len(batch) == 0 || len(roster) >= total {
			break
		}
		page++
	}

	var vectors []database.StoredEncoding
	for _, student := range roster {
		encs, err := encodings.GetByStudent(ctx, student.StudentID)
		if err != nil {
			return fmt.Errorf("failed to load encodings for %s: %w", student.StudentID, err)
		}
		vectors = append(vectors, encs...)
	}

	f, err := os.Create(args[0])
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	if err := database.WriteExport(f, roster, vectors); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write backup file: %w", err)
	}

	fmt.Printf("Backed up %d students and %d encodings to %s\n",
		len(roster), len(vectors), args[0])
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	defer f.Close()

	export, err := database.ReadExport(f)
	if err != nil {
		return err
	}
	fmt.Printf("Backup from %s: %d students, %d encodings\n",
		export.ExportedAt.Format("2006-01-02 15:04:05"), len(export.Students), len(export.Encodings))

	fmt.Println("Connecting to PostgreSQL database...")
	if err := postgres.Initialize(&cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	pool := postgres.GetGlobalPool()
	students := postgres.NewStudentRepository(pool)
	encodings := postgres.NewEncodingRepository(pool)

	ctx := context.Background()
	grouped := make(map[string][]database.StoredEncoding)
	for _, enc := range export.Encodings {
		grouped[enc.StudentID] = append(grouped[enc.StudentID], enc)
	}

	var restored, enrolled int
	for i := range export.Students {
		student := export.Students[i]
		if err := students.Save(ctx, &student); err != nil {
			return fmt.Errorf("failed to save student %s: %w", student.StudentID, err)
		}
		restored++

		encs := grouped[student.StudentID]
		if _, err := encodings.ReplaceForStudent(ctx, student.StudentID, encs); err != nil {
			return fmt.Errorf("failed to restore encodings for %s: %w", student.StudentID, err)
		}
		enrolled += len(encs)
		delete(grouped, student.StudentID)
	}

	// Encodings whose student is missing from the backup cannot be restored.
	if len(grouped) > 0 {
		fmt.Printf("Warning: %d students have encodings but no roster entry in the backup\n", len(grouped))
	}

	fmt.Printf("Restored %d students and %d encodings\n", restored, enrolled)
	return nil
}
