package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/faceid/internal/engine"
	"github.com/andresmejia3/faceid/internal/enroll"
	"github.com/andresmejia3/faceid/internal/types"
	"github.com/andresmejia3/faceid/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <name> <image>...",
	Short: "Enroll a person from existing photos instead of the camera",
	Long:  "Every image must show exactly one face. Accepted samples are appended to the catalogue and archived.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runLabel(cmd.Context(), args[0], args[1:])
	},
}

func init() {
	labelCmd.Flags().String("archive", enroll.DefaultArchiveDir, "Directory accepted images are archived to")
	rootCmd.AddCommand(labelCmd)
}

func runLabel(ctx context.Context, name string, images []string) error {
	w, err := startWorker()
	if err != nil {
		return err
	}
	defer w.Close()

	// Photos need no cooldown and one capture slot each.
	session := newSession(len(images), 0)
	accepted, err := labelImages(ctx, session, w, name, images, os.Stdout)
	if err != nil {
		utils.ShowError("Failed to label images", err, w.Cmd)
		return err
	}

	fmt.Printf("✅ %d of %d images added for '%s'\n", accepted, len(images), name)
	if accepted > 0 {
		fmt.Printf("💾 Model saved with %d faces\n", Catalogue.Len())
	}
	return nil
}

// labelImages submits each image to an automatic session. Unreadable,
// undetectable or rejected images are reported and skipped.
func labelImages(ctx context.Context, session *enroll.Session, c engine.Capability, name string, images []string, out io.Writer) (int, error) {
	if err := session.Start(name, false); err != nil {
		return 0, err
	}
	defer func() {
		if session.State() == enroll.Capturing {
			_ = session.Cancel()
		}
	}()

	accepted := 0
	for _, path := range images {
		img, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(out, "⚠️  %s: %v\n", path, err)
			continue
		}

		f := enroll.Frame{Image: img}
		f.Boxes, err = c.Detect(ctx, img)
		if err == nil && len(f.Boxes) == 1 {
			f.Encodings, err = c.Encode(ctx, img, f.Boxes)
		}
		if err != nil {
			// Only a lost worker stops the batch; a bad image costs itself.
			if errors.Is(err, types.ErrCapabilityLost) {
				return accepted, fmt.Errorf("%s: %w", path, err)
			}
			fmt.Fprintf(out, "⚠️  %s: %v\n", path, err)
			continue
		}

		outcome, err := session.Submit(ctx, time.Now(), f)
		if err != nil {
			return accepted, fmt.Errorf("%s: %w", path, err)
		}
		if outcome == enroll.Accepted {
			accepted++
			fmt.Fprintf(out, "📸 %s: accepted\n", path)
		} else {
			fmt.Fprintf(out, "⚠️  %s: %s\n", path, outcome)
		}
	}
	return accepted, nil
}
