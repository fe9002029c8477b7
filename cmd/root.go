package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "rollcall",
	Short: "Face recognition attendance for classrooms",
	Long: `Rollcall marks student attendance from camera frames. It keeps a
roster of enrolled students with face encodings in PostgreSQL, matches
detected faces against the enrolled gallery, and records who was Present,
Late, or Absent for each day.

The serve command runs the HTTP API; the remaining commands cover
enrollment, roster imports, and attendance exports from the terminal.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment from this file instead of .env")
}

func initConfig() {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not load %s: %v\n", envFile, err)
		}
		return
	}
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
