package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/faceid/internal/enroll"
	"github.com/andresmejia3/faceid/internal/utils"
	"github.com/spf13/cobra"
)

var (
	clearImages bool
	clearYes    bool
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear all trained faces",
	Long:  "Empties the catalogue and removes its persisted model. Use --images to also delete the archived training images.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runClear(cmd.Context())
	},
}

func init() {
	clearCmd.Flags().BoolVar(&clearImages, "images", false, "Also delete archived training images")
	clearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "Do not ask for confirmation")
	clearCmd.Flags().String("archive", enroll.DefaultArchiveDir, "Training image archive directory")
	rootCmd.AddCommand(clearCmd)
}

func runClear(ctx context.Context) {
	p := newPrompter(os.Stdin, os.Stdout)

	if Catalogue.Len() == 0 {
		fmt.Println("No trained faces to clear.")
	} else if clearYes || confirm(ctx, p, "⚠️  Are you sure you want to clear all trained faces?") {
		fmt.Println("🗑️  Clearing trained faces...")
		if err := Catalogue.Clear(ctx); err != nil {
			utils.Die("Failed to clear trained faces", err, nil)
		}
		fmt.Println("All trained faces have been cleared.")
	}

	if clearImages {
		if clearYes || confirm(ctx, p, fmt.Sprintf("⚠️  Are you sure you want to delete every image in %s?", cfg.Enrollment.ArchiveDir)) {
			fmt.Println("🗑️  Clearing training images...")
			removeDir(cfg.Enrollment.ArchiveDir)
		}
	}
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
