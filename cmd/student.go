package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/constants"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/database/postgres"
	"github.com/kozaktomas/rollcall/internal/encoder"
	"github.com/kozaktomas/rollcall/internal/facematch"
)

var studentCmd = &cobra.Command{
	Use:   "student",
	Short: "Manage enrolled students",
}

var studentRegisterCmd = &cobra.Command{
	Use:   "register [student-id] [name]",
	Short: "Register a student, optionally with a portrait",
	Long: `Register one student on the roster.

With --portrait the image is sent through the face encoder service and the
resulting encoding is enrolled for recognition. A portrait without a
detectable face still registers the student; a warning is printed instead.

Examples:
  # Register without a portrait
  rollcall student register S042 "Alice Morgan" --department CSE --year 2 --section A

  # Register with a portrait
  rollcall student register S042 "Alice Morgan" --department CSE --year 2 --section A --portrait alice.jpg`,
	Args: cobra.ExactArgs(2),
	RunE: runStudentRegister,
}

var studentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List students on the roster",
	RunE:  runStudentList,
}

func init() {
	rootCmd.AddCommand(studentCmd)
	studentCmd.AddCommand(studentRegisterCmd)
	studentCmd.AddCommand(studentListCmd)

	studentRegisterCmd.Flags().String("portrait", "", "Path to a portrait image to enroll")
	studentRegisterCmd.Flags().String("department", "", "Department code (required)")
	studentRegisterCmd.Flags().String("year", "", "Year of study (required)")
	studentRegisterCmd.Flags().String("section", "", "Section (required)")
	studentRegisterCmd.Flags().String("email", "", "Contact email")
	studentRegisterCmd.Flags().String("phone", "", "Contact phone")

	studentListCmd.Flags().String("department", "", "Filter by department code")
	studentListCmd.Flags().String("q", "", "Search by name or student ID")
	studentListCmd.Flags().Bool("all", false, "Include deactivated students")
}

func runStudentRegister(cmd *cobra.Command, args []string) error {
	studentID, name := args[0], args[1]
	department := mustGetString(cmd, "department")
	year := mustGetString(cmd, "year")
	section := mustGetString(cmd, "section")
	portraitPath := mustGetString(cmd, "portrait")

	cfg := config.Load()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}
	if department == "" || year == "" || section == "" {
		return errors.New("--department, --year and --section are required")
	}
	if !cfg.Taxonomy.ValidDepartment(department) {
		return fmt.Errorf("unknown department: %s", department)
	}
	if !cfg.Taxonomy.ValidYear(year) {
		return fmt.Errorf("unknown year: %s", year)
	}
	if !cfg.Taxonomy.ValidSection(section) {
		return fmt.Errorf("unknown section: %s", section)
	}

	fmt.Println("Connecting to PostgreSQL database...")
	if err := postgres.Initialize(&cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	pool := postgres.GetGlobalPool()
	students := postgres.NewStudentRepository(pool)
	encodings := postgres.NewEncodingRepository(pool)

	ctx := context.Background()
	existing, err := students.Get(ctx, studentID)
	if err != nil {
		return fmt.Errorf("failed to check existing student: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("student %s is already registered", studentID)
	}

	student := &database.Student{
		StudentID:  studentID,
		Name:       name,
		Email:      mustGetString(cmd, "email"),
		Phone:      mustGetString(cmd, "phone"),
		Department: department,
		Year:       year,
		Section:    section,
		IsActive:   true,
	}

	var enc *database.StoredEncoding
	if portraitPath != "" {
		enc, err = encodePortraitFile(ctx, cfg, student, portraitPath)
		if err != nil {
			return err
		}
	}

	if err := students.Save(ctx, student); err != nil {
		return fmt.Errorf("failed to save student: %w", err)
	}
	if enc != nil {
		if _, err := encodings.Save(ctx, enc); err != nil {
			return fmt.Errorf("failed to save encoding: %w", err)
		}
		fmt.Printf("Registered %s (%s) with an enrolled face encoding\n", studentID, name)
	} else {
		fmt.Printf("Registered %s (%s) without a face encoding\n", studentID, name)
	}
	return nil
}

// encodePortraitFile prepares and encodes a portrait from disk, storing the
// normalized image under the portrait directory. Returns a nil encoding
// without error when no usable face was detected.
func encodePortraitFile(ctx context.Context, cfg *config.Config, student *database.Student, path string) (*database.StoredEncoding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read portrait: %w", err)
	}

	prepared, width, height, err := encoder.PreparePortrait(data)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare portrait: %w", err)
	}
	hash, err := encoder.DifferenceHash(prepared)
	if err != nil {
		return nil, fmt.Errorf("failed to hash portrait: %w", err)
	}

	client := encoder.NewClient(cfg.Encoder.URL, cfg.Encoder.Model, cfg.Encoder.Timeout)
	resp, err := client.Encode(ctx, prepared)
	if err != nil {
		return nil, fmt.Errorf("failed to encode portrait: %w", err)
	}

	stored, err := writePortraitFile(cfg.Recognition.PortraitDir, student.StudentID, prepared)
	if err != nil {
		return nil, err
	}
	student.PortraitPath = stored
	student.PortraitHash = hash

	best := pickBestFace(resp.Faces)
	if best == nil {
		fmt.Println("Warning: no usable face found in portrait; registering without an encoding")
		return nil, nil
	}
	if len(resp.Faces) > 1 {
		fmt.Printf("Portrait contains %d faces, keeping the most confident\n", len(resp.Faces))
	}

	return &database.StoredEncoding{
		StudentID: student.StudentID,
		Encoding:  best.Embedding,
		Dim:       best.Dim,
		Model:     resp.Model,
		BBox:      facematch.RelativeBBox(best.BBox, width, height),
		DetScore:  best.DetScore,
		Source:    "portrait",
	}, nil
}

// pickBestFace returns the detection with the highest score at or above the
// minimum, nil when no face qualifies.
func pickBestFace(faces []encoder.Face) *encoder.Face {
	var best *encoder.Face
	for i := range faces {
		if faces[i].DetScore < constants.MinDetectionScore {
			continue
		}
		if best == nil || faces[i].DetScore > best.DetScore {
			best = &faces[i]
		}
	}
	return best
}

// writePortraitFile stores the normalized portrait under dir as <id>.jpg.
func writePortraitFile(dir, studentID string, prepared []byte) (string, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create portrait directory: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(studentID)+".jpg")
	if err := os.WriteFile(path, prepared, 0644); err != nil {
		return "", fmt.Errorf("failed to write portrait: %w", err)
	}
	return path, nil
}

func runStudentList(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	if err := postgres.Initialize(&cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	students := postgres.NewStudentRepository(postgres.GetGlobalPool())

	filter := database.StudentFilter{
		Department:      mustGetString(cmd, "department"),
		Query:           mustGetString(cmd, "q"),
		IncludeInactive: mustGetBool(cmd, "all"),
		Page:            1,
		PerPage:         constants.MaxPerPage,
	}

	ctx := context.Background()
	listed := 0
	for {
		page, total, err := students.List(ctx, filter)
		if err != nil {
			return fmt.Errorf("failed to list students: %w", err)
		}
		if listed == 0 && total == 0 {
			fmt.Println("No students on the roster")
			return nil
		}

		for _, s := range page {
			note := ""
			if !s.IsActive {
				note = " (inactive)"
			}
			fmt.Printf("%-12s %-28s %s year %s section %s%s\n",
				s.StudentID, s.Name, s.Department, s.Year, s.Section, note)
		}

		listed += len(page)
		if listed >= total || len(page) == 0 {
			fmt.Printf("\n%d students\n", total)
			return nil
		}
		filter.Page++
	}
}
