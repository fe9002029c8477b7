package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/constants"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/database/mysql"
	"github.com/kozaktomas/rollcall/internal/database/postgres"
	"github.com/kozaktomas/rollcall/internal/encoder"
	"github.com/kozaktomas/rollcall/internal/facematch"
	"github.com/kozaktomas/rollcall/internal/sis"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import students from external systems",
}

var importSISCmd = &cobra.Command{
	Use:   "sis",
	Short: "Import the roster from the school information system",
	Long: `Import all students from the school information system.
Existing students are updated in place; new ones are created. With
--portraits each student's portrait is downloaded and run through the
face encoder, skipping images unchanged since the last import.

Examples:
  # Full roster import with portraits and encodings
  rollcall import sis

  # Roster fields only
  rollcall import sis --portraits=false`,
	RunE: runImportSIS,
}

var importLegacyCmd = &cobra.Command{
	Use:   "legacy",
	Short: "Import students and face encodings from the old MySQL system",
	Long: `One-shot migration from the previous attendance system.
Students and their stored face encodings are copied over. Corrupt
encodings are skipped with a warning; the student row is kept either way.`,
	RunE: runImportLegacy,
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.AddCommand(importSISCmd)
	importCmd.AddCommand(importLegacyCmd)

	importSISCmd.Flags().Bool("portraits", true, "Download portraits and enroll face encodings")
	importSISCmd.Flags().Int("page-size", 0, "Roster page size (defaults to SIS_PAGE_SIZE)")

	importLegacyCmd.Flags().String("dsn", "", "MySQL DSN of the legacy database (defaults to LEGACY_MYSQL_DSN)")
}

// rosterBar builds the progress bar shared by the import commands.
func rosterBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("students"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)
}

func runImportSIS(cmd *cobra.Command, args []string) error {
	fetchPortraits := mustGetBool(cmd, "portraits")
	pageSize := mustGetInt(cmd, "page-size")

	cfg := config.Load()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}
	if cfg.SIS.URL == "" {
		return errors.New("SIS_URL environment variable is required")
	}
	if pageSize <= 0 {
		pageSize = cfg.SIS.PageSize
	}

	fmt.Println("Connecting to PostgreSQL database...")
	if err := postgres.Initialize(&cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	pool := postgres.GetGlobalPool()
	students := postgres.NewStudentRepository(pool)
	encodings := postgres.NewEncodingRepository(pool)

	client, err := sis.NewClient(cfg.SIS.URL, cfg.SIS.Token)
	if err != nil {
		return fmt.Errorf("failed to create SIS client: %w", err)
	}

	fmt.Println("Fetching roster from the school information system...")
	roster, err := client.AllStudents(pageSize)
	if err != nil {
		return fmt.Errorf("failed to fetch roster: %w", err)
	}
	fmt.Printf("Roster size: %d students\n\n", len(roster))

	enc := encoder.NewClient(cfg.Encoder.URL, cfg.Encoder.Model, cfg.Encoder.Timeout)
	bar := rosterBar(len(roster), "Importing roster")

	ctx := context.Background()
	var created, updated, stored, skipped int
	var importErrors []string

	for _, entry := range roster {
		existing, err := students.Get(ctx, entry.StudentID)
		if err != nil {
			importErrors = append(importErrors, fmt.Sprintf("%s: lookup failed: %v", entry.StudentID, err))
			bar.Add(1)
			continue
		}

		student := existing
		if student == nil {
			student = &database.Student{StudentID: entry.StudentID, IsActive: true}
		}
		student.Name = entry.Name
		student.Email = entry.Email
		student.Phone = entry.Phone
		student.Department = entry.Department
		student.Year = entry.Year
		student.Section = entry.Section

		if fetchPortraits && entry.HasPortrait {
			outcome, err := importPortrait(ctx, cfg, client, enc, encodings, existing, student)
			switch {
			case err != nil:
				importErrors = append(importErrors, fmt.Sprintf("%s: %v", entry.StudentID, err))
			case outcome == portraitSkipped:
				skipped++
			case outcome == portraitStored:
				stored++
			}
		}

		if err := students.Save(ctx, student); err != nil {
			importErrors = append(importErrors, fmt.Sprintf("%s: save failed: %v", entry.StudentID, err))
			bar.Add(1)
			continue
		}
		if existing == nil {
			created++
		} else {
			updated++
		}
		bar.Add(1)
	}
	fmt.Println()

	fmt.Printf("\nCompleted: %d created, %d updated, %d portraits encoded, %d unchanged\n",
		created, updated, stored, skipped)
	if len(importErrors) > 0 {
		fmt.Printf("Errors: %d\n", len(importErrors))
		for _, msg := range importErrors {
			fmt.Printf("  %s\n", msg)
		}
	}
	return nil
}

type portraitOutcome int

const (
	portraitStored portraitOutcome = iota
	portraitSkipped
)

// importPortrait downloads, stores and encodes one student's portrait.
// Unchanged portraits (by difference hash) and portraits the SIS cannot
// produce are skipped.
func importPortrait(ctx context.Context, cfg *config.Config, client *sis.Client, enc *encoder.Client,
	encodings *postgres.EncodingRepository, existing, student *database.Student) (portraitOutcome, error) {
	data, _, err := client.DownloadPortrait(student.StudentID)
	if err != nil {
		if sis.IsNotFoundError(err) {
			return portraitSkipped, nil
		}
		return 0, fmt.Errorf("portrait download failed: %w", err)
	}

	prepared, width, height, err := encoder.PreparePortrait(data)
	if err != nil {
		return 0, fmt.Errorf("portrait prepare failed: %w", err)
	}
	hash, err := encoder.DifferenceHash(prepared)
	if err != nil {
		return 0, fmt.Errorf("portrait hash failed: %w", err)
	}

	if existing != nil && existing.PortraitHash != 0 &&
		encoder.HammingDistance(existing.PortraitHash, hash) <= constants.PortraitHashThreshold {
		return portraitSkipped, nil
	}

	path, err := writePortraitFile(cfg.Recognition.PortraitDir, student.StudentID, prepared)
	if err != nil {
		return 0, err
	}
	student.PortraitPath = path
	student.PortraitHash = hash

	resp, err := enc.Encode(ctx, prepared)
	if err != nil {
		return 0, fmt.Errorf("encode failed: %w", err)
	}
	best := pickBestFace(resp.Faces)
	if best == nil {
		return portraitSkipped, nil
	}

	record := database.StoredEncoding{
		StudentID: student.StudentID,
		Encoding:  best.Embedding,
		Dim:       best.Dim,
		Model:     resp.Model,
		BBox:      facematch.RelativeBBox(best.BBox, width, height),
		DetScore:  best.DetScore,
		Source:    "sis",
	}
	if _, err := encodings.ReplaceForStudent(ctx, student.StudentID, []database.StoredEncoding{record}); err != nil {
		return 0, fmt.Errorf("encoding store failed: %w", err)
	}
	return portraitStored, nil
}

func runImportLegacy(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	dsn := mustGetString(cmd, "dsn")
	if dsn == "" {
		dsn = cfg.Legacy.MySQLDSN
	}
	if dsn == "" {
		return errors.New("legacy MySQL DSN is required (--dsn or LEGACY_MYSQL_DSN)")
	}

	fmt.Println("Connecting to PostgreSQL database...")
	if err := postgres.Initialize(&cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	pool := postgres.GetGlobalPool()
	students := postgres.NewStudentRepository(pool)
	encodings := postgres.NewEncodingRepository(pool)

	fmt.Println("Connecting to legacy MySQL database...")
	legacy, err := mysql.NewPool(dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to legacy MySQL: %w", err)
	}
	defer legacy.Close()

	ctx := context.Background()
	total, err := legacy.CountStudents(ctx)
	if err != nil {
		return fmt.Errorf("failed to count legacy students: %w", err)
	}
	fmt.Printf("Legacy students: %d\n\n", total)

	bar := rosterBar(total, "Importing legacy students")
	var imported, enrolled, corrupt int

	err = legacy.ForEachStudent(ctx, func(ls mysql.LegacyStudent) error {
		student := &database.Student{
			StudentID:  ls.StudentID,
			Name:       ls.Name,
			Email:      ls.Email,
			Phone:      ls.Phone,
			Department: ls.Department,
			Year:       ls.Year,
			Section:    ls.Section,
			IsActive:   true,
		}
		if err := students.Save(ctx, student); err != nil {
			return fmt.Errorf("save %s: %w", ls.StudentID, err)
		}
		imported++

		if len(ls.Encoding) > 0 {
			vec, err := facematch.DecodeFeatureVector(ls.Encoding)
			if err != nil {
				fmt.Printf("\nWarning: skipping corrupt encoding for %s: %v\n", ls.StudentID, err)
				corrupt++
			} else {
				record := database.StoredEncoding{
					StudentID: ls.StudentID,
					Encoding:  narrowVector(vec),
					Dim:       len(vec),
					Model:     "legacy",
					Source:    "legacy",
				}
				if _, err := encodings.ReplaceForStudent(ctx, ls.StudentID, []database.StoredEncoding{record}); err != nil {
					return fmt.Errorf("store encoding for %s: %w", ls.StudentID, err)
				}
				enrolled++
			}
		}

		bar.Add(1)
		return nil
	})
	fmt.Println()
	if err != nil {
		return fmt.Errorf("legacy import failed: %w", err)
	}

	fmt.Printf("\nCompleted: %d students imported, %d encodings enrolled, %d corrupt encodings skipped\n",
		imported, enrolled, corrupt)
	return nil
}

// narrowVector converts a decoded float64 vector to the float32 storage form.
func narrowVector(vec facematch.FeatureVector) []float32 {
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}
