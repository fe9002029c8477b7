package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/database/postgres"
	"github.com/kozaktomas/rollcall/internal/encoder"
	"github.com/kozaktomas/rollcall/internal/facematch"
)

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Re-encode stored portraits in bulk",
	Long: `Run every portrait in the portrait directory through the face
encoder and replace the stored encodings. Use this after switching
encoder models or changing the embedding dimension.

Portrait files are matched to students by filename: <student-id>.jpg.
Files without a registered student are skipped.

Examples:
  # Re-encode all portraits (5 concurrent workers)
  rollcall encode

  # Use different concurrency
  rollcall encode --concurrency 3

  # Encode portraits from a different directory
  rollcall encode --dir /data/portraits`,
	RunE: runEncode,
}

func init() {
	rootCmd.AddCommand(encodeCmd)

	encodeCmd.Flags().Int("concurrency", 5, "Number of parallel workers")
	encodeCmd.Flags().String("dir", "", "Portrait directory (defaults to PORTRAIT_DIR)")
}

type portraitJob struct {
	studentID string
	path      string
}

func runEncode(cmd *cobra.Command, args []string) error {
	concurrency := mustGetInt(cmd, "concurrency")
	dir := mustGetString(cmd, "dir")

	ctx := context.Background()
	cfg := config.Load()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}
	if dir == "" {
		dir = cfg.Recognition.PortraitDir
	}

	fmt.Println("Connecting to PostgreSQL database...")
	if err := postgres.Initialize(&cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	pool := postgres.GetGlobalPool()
	students := postgres.NewStudentRepository(pool)
	encodings := postgres.NewEncodingRepository(pool)

	dbCount, _ := encodings.Count(ctx)
	fmt.Printf("Encodings in database: %d\n", dbCount)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read portrait directory: %w", err)
	}

	// Match portrait files to registered students by filename.
	var work []portraitJob
	var unknown int
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".jpg" && ext != ".jpeg") {
			continue
		}
		studentID := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		student, err := students.Get(ctx, studentID)
		if err != nil {
			return fmt.Errorf("failed to look up student %s: %w", studentID, err)
		}
		if student == nil {
			unknown++
			continue
		}
		work = append(work, portraitJob{studentID: studentID, path: filepath.Join(dir, entry.Name())})
	}

	if len(work) == 0 {
		fmt.Println("No portraits to encode!")
		return nil
	}
	fmt.Printf("Portraits to encode: %d (skipping %d without a registered student)\n\n",
		len(work), unknown)

	enc := encoder.NewClient(cfg.Encoder.URL, cfg.Encoder.Model, cfg.Encoder.Timeout)

	bar := progressbar.NewOptions(len(work),
		progressbar.OptionSetDescription("Encoding portraits"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("portraits"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	var successCount, noFaceCount, errorCount int
	var mu sync.Mutex

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, job := range work {
		wg.Add(1)
		go func(j portraitJob) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			data, err := os.ReadFile(j.path)
			if err != nil {
				mu.Lock()
				errorCount++
				mu.Unlock()
				bar.Add(1)
				return
			}

			prepared, width, height, err := encoder.PreparePortrait(data)
			if err != nil {
				mu.Lock()
				errorCount++
				mu.Unlock()
				bar.Add(1)
				return
			}

			resp, err := enc.Encode(ctx, prepared)
			if err != nil {
				mu.Lock()
				errorCount++
				mu.Unlock()
				bar.Add(1)
				return
			}

			best := pickBestFace(resp.Faces)
			if best == nil {
				mu.Lock()
				noFaceCount++
				mu.Unlock()
				bar.Add(1)
				return
			}

			record := database.StoredEncoding{
				StudentID: j.studentID,
				Encoding:  best.Embedding,
				Dim:       best.Dim,
				Model:     resp.Model,
				BBox:      facematch.RelativeBBox(best.BBox, width, height),
				DetScore:  best.DetScore,
				Source:    "portrait",
			}
			if _, err := encodings.ReplaceForStudent(ctx, j.studentID, []database.StoredEncoding{record}); err != nil {
				mu.Lock()
				errorCount++
				mu.Unlock()
				bar.Add(1)
				return
			}

			mu.Lock()
			successCount++
			mu.Unlock()
			bar.Add(1)
		}(job)
	}

	wg.Wait()
	fmt.Println()

	finalCount, _ := encodings.Count(ctx)
	fmt.Printf("\nCompleted: %d encoded, %d without a usable face, %d errors\n",
		successCount, noFaceCount, errorCount)
	fmt.Printf("Total encodings in database: %d\n", finalCount)

	return nil
}
