package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/faceid/internal/engine"
	"github.com/andresmejia3/faceid/internal/matcher"
	"github.com/andresmejia3/faceid/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive menu to train, recognize and manage faces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		p, err := newPipeline(cfg.Source.Format, cfg.Source.Device)
		if err != nil {
			return err
		}
		defer p.Close()
		return runConsole(cmd.Context(), p.ctrl, newPrompter(os.Stdin, os.Stdout), os.Stdout, cfg.Enrollment.Manual, p.py.Cmd)
	},
}

func init() {
	f := consoleCmd.Flags()
	f.Float64P("threshold", "t", matcher.DefaultThreshold, "Match threshold (0.1-0.9, lower is stricter)")
	f.Bool("manual", false, "Capture training images only when ENTER is pressed")
	f.String("format", "v4l2", "ffmpeg input format of the camera device")
	f.String("device", "/dev/video0", "Camera device")
	rootCmd.AddCommand(consoleCmd)
}

// runConsole serves the menu until the operator exits or input ends. A
// failed action is reported and the menu comes back.
func runConsole(ctx context.Context, ctrl *engine.Controller, p *prompter, out io.Writer, manual bool, logs *utils.SafeCommand) error {
	for {
		fmt.Fprintln(out, "\n===== Face Recognition System =====")
		fmt.Fprintln(out, "1. Train a new face")
		fmt.Fprintln(out, "2. Start face recognition")
		fmt.Fprintln(out, "3. Adjust recognition settings")
		fmt.Fprintln(out, "4. Clear all trained faces")
		fmt.Fprintln(out, "5. Exit")

		choice, ok := p.ask(ctx, "\nEnter your choice (1-5): ")
		if !ok {
			fmt.Fprintln(out, "\nExiting...")
			return nil
		}

		switch choice {
		case "1":
			name, ok := p.ask(ctx, "Enter the person's name: ")
			if !ok {
				continue
			}
			if _, err := watchTraining(ctx, ctrl, p, out, name, manual); err != nil {
				utils.ShowError("Training failed", err, logs)
			}
			release(ctrl)

		case "2":
			if len(ctrl.Counts()) == 0 {
				fmt.Fprintln(out, "No faces trained yet! Please train at least one face first.")
				continue
			}
			bar := progressbar.NewOptions(-1,
				progressbar.OptionSetDescription("👁️  Recognizing"),
				progressbar.OptionSetWriter(out),
			)
			start := time.Now()
			seen, err := watchRecognition(ctx, ctrl, p, out, bar)
			_ = bar.Finish()
			seen.print(out, start)
			if err != nil {
				utils.ShowError("Recognition stopped", err, logs)
			}
			release(ctrl)

		case "3":
			fmt.Fprintln(out, "\n===== Recognition Settings =====")
			adjustThreshold(ctx, ctrl, p)

		case "4":
			clearFaces(ctx, ctrl, p, out)

		case "5":
			fmt.Fprintln(out, "Exiting...")
			return nil

		default:
			fmt.Fprintln(out, "Invalid choice. Please try again.")
		}
	}
}

// release stops the worker so the camera is free between menu actions. The
// run's error was already reported by its watcher.
func release(ctrl *engine.Controller) {
	_ = ctrl.Exit(context.Background())
}

func clearFaces(ctx context.Context, ctrl *engine.Controller, p *prompter, out io.Writer) {
	if len(ctrl.Counts()) == 0 {
		fmt.Fprintln(out, "No trained faces to clear.")
		return
	}
	if !confirm(ctx, p, "Are you sure you want to clear all trained faces?") {
		return
	}
	if err := ctrl.ClearAll(ctx); err != nil {
		utils.ShowError("Failed to clear trained faces", err, nil)
		return
	}
	fmt.Fprintln(out, "All trained faces have been cleared.")
}
