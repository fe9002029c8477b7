package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/database/postgres"
	"github.com/kozaktomas/rollcall/internal/facematch"
)

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Inspect the recognition gallery",
	Long: `Build the in-memory recognition gallery from the stored encodings and
report what would load. Use this to find students whose encodings a
recognition session would silently skip, for example after an encoder
model change left stale dimensions behind.

Examples:
  # Inspect the gallery
  rollcall gallery`,
	RunE: runGallery,
}

func init() {
	rootCmd.AddCommand(galleryCmd)
}

func runGallery(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	fmt.Println("Connecting to PostgreSQL database...")
	if err := postgres.Initialize(&cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	pool := postgres.GetGlobalPool()
	encodings := postgres.NewEncodingRepository(pool)

	ctx := context.Background()
	stored, err := encodings.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to load encodings: %w", err)
	}

	records := make([]facematch.EncodingRecord, len(stored))
	for i, enc := range stored {
		records[i] = facematch.EncodingRecord{
			StudentID: enc.StudentID,
			Encoding:  enc.Encoding,
		}
	}

	gallery, skipped := facematch.BuildGallery(cfg.Encoder.Dim, records)

	fmt.Printf("\nGallery entries:  %d\n", gallery.Len())
	fmt.Printf("Students covered: %d\n", len(gallery.Students()))
	fmt.Printf("Dimension:        %d\n", gallery.Dim())

	if len(skipped) == 0 {
		fmt.Println("\nAll stored encodings loaded cleanly.")
		return nil
	}

	fmt.Printf("\nSkipped encodings: %d\n", len(skipped))
	for _, s := range skipped {
		fmt.Printf("  %s: %s\n", s.StudentID, s.Reason)
	}
	fmt.Println("\nRe-encode the affected portraits with 'rollcall encode'.")
	return nil
}
