package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/faceid/internal/engine"
	"github.com/andresmejia3/faceid/internal/enroll"
	"github.com/andresmejia3/faceid/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var trainCmd = &cobra.Command{
	Use:   "train <name>",
	Short: "Capture face samples for a person from the camera",
	Long: "Captures --captures samples of a single face and appends them to the catalogue.\n" +
		"With --manual a sample is only taken when you press ENTER. Type q + ENTER to cancel.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runTrain(cmd.Context(), args[0])
	},
}

func init() {
	f := trainCmd.Flags()
	f.Int("captures", enroll.DefaultMaxCaptures, "Samples to capture")
	f.Duration("cooldown", enroll.DefaultCooldown, "Minimum time between two captures")
	f.String("archive", enroll.DefaultArchiveDir, "Directory accepted frames are archived to")
	f.Bool("manual", false, "Capture only when ENTER is pressed")
	f.String("format", "v4l2", "ffmpeg input format of the camera device")
	f.String("device", "/dev/video0", "Camera device")
	rootCmd.AddCommand(trainCmd)
}

func runTrain(ctx context.Context, name string) error {
	p, err := newPipeline(cfg.Source.Format, cfg.Source.Device)
	if err != nil {
		return err
	}
	defer p.Close()

	progress, err := watchTraining(ctx, p.ctrl, newPrompter(os.Stdin, os.Stderr), os.Stderr, name, cfg.Enrollment.Manual)
	if err != nil {
		utils.ShowError("Training failed", err, p.py.Cmd)
		return err
	}
	if progress.State == enroll.Completed.String() {
		fmt.Fprintf(os.Stderr, "💾 Model saved with %d faces\n", Catalogue.Len())
	}
	return nil
}

// watchTraining runs one enrollment to its end and reports each attempt.
// In manual mode an empty line triggers a capture; q cancels in both modes.
func watchTraining(ctx context.Context, ctrl *engine.Controller, p *prompter, out io.Writer, name string, manual bool) (enroll.Progress, error) {
	sub := ctrl.Subscribe(0)
	defer ctrl.Unsubscribe(sub)

	if err := ctrl.Train(ctx, name, manual); err != nil {
		return ctrl.Enrollment(), err
	}
	status := ctrl.Enrollment()

	fmt.Fprintf(out, "🎓 Training %s: look at the camera, %d images will be captured.\n", status.Identity, status.Max)
	if manual {
		fmt.Fprintln(out, "   Press ENTER to capture an image, q + ENTER to cancel.")
	} else {
		fmt.Fprintln(out, "   Type q + ENTER to cancel.")
	}

	bar := progressbar.NewOptions(status.Max,
		progressbar.OptionSetDescription("📸 Capturing"),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowCount(),
	)
	defer bar.Finish()

	lines := p.lines
	for {
		select {
		case <-ctx.Done():
			_ = ctrl.CancelTraining(context.Background())
			fmt.Fprintln(out, "\n⚠️  Training cancelled")
			return ctrl.Enrollment(), nil

		case <-sub.Frames():

		case ev, ok := <-sub.Events():
			if !ok {
				return ctrl.Enrollment(), nil
			}
			switch ev.Kind {
			case engine.WorkerStopped:
				err := ctrl.Wait(context.Background())
				if err == nil {
					err = fmt.Errorf("capture stopped after %d frames", ev.FrameIndex)
				}
				return ctrl.Enrollment(), err

			case engine.EnrollmentProgress:
				if ev.Progress == nil {
					continue
				}
				if ev.Error != "" {
					_ = bar.Clear()
					fmt.Fprintf(out, "⚠️  Capture failed: %s\n", ev.Error)
					continue
				}
				switch ev.Outcome {
				case enroll.Accepted.String():
					_ = bar.Set(ev.Progress.Captured)
				case enroll.NoFace.String():
					_ = bar.Clear()
					fmt.Fprintln(out, "No face detected! Please try again.")
				case enroll.MultipleFaces.String():
					_ = bar.Clear()
					fmt.Fprintln(out, "Multiple faces detected! Please ensure only one face is visible.")
				case enroll.EncodeFailed.String():
					_ = bar.Clear()
					fmt.Fprintln(out, "Face could not be encoded! Please try again.")
				}

				switch ev.Progress.State {
				case enroll.Completed.String():
					_ = bar.Finish()
					fmt.Fprintf(out, "\n✅ Training complete for %s: %d images captured\n", ev.Progress.Identity, ev.Progress.Captured)
					return *ev.Progress, nil
				case enroll.Cancelled.String():
					fmt.Fprintf(out, "\n⚠️  Training cancelled: %d of %d images kept\n", ev.Progress.Captured, ev.Progress.Max)
					return *ev.Progress, nil
				}
			}

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			switch line {
			case "q", "Q":
				if err := ctrl.CancelTraining(ctx); err != nil {
					return ctrl.Enrollment(), err
				}
			case "":
				if manual {
					if err := ctrl.CaptureNow(ctx); err != nil {
						return ctrl.Enrollment(), err
					}
				}
			}
		}
	}
}
