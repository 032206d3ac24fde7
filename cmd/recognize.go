package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/andresmejia3/faceid/internal/engine"
	"github.com/andresmejia3/faceid/internal/matcher"
	"github.com/andresmejia3/faceid/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var recognizeInput string

var recognizeCmd = &cobra.Command{
	Use:   "recognize",
	Short: "Recognize known faces on the camera (or in a video file)",
	Long: "Streams frames from the camera, or from --input, and labels every face against the catalogue.\n" +
		"Type t + ENTER to adjust the threshold and q + ENTER to stop.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRecognize(cmd.Context(), recognizeInput)
	},
}

func init() {
	f := recognizeCmd.Flags()
	f.StringVarP(&recognizeInput, "input", "i", "", "Video file to recognize instead of the camera")
	f.Float64P("threshold", "t", matcher.DefaultThreshold, "Match threshold (0.1-0.9, lower is stricter)")
	f.IntP("every", "n", engine.DefaultEvery, "Recognize every nth frame")
	f.Int("scale", 4, "Downscale factor applied before detection (1 disables)")
	f.Int("history-size", 100, "Recognition results kept in memory")
	f.String("format", "v4l2", "ffmpeg input format of the camera device")
	f.String("device", "/dev/video0", "Camera device")
	rootCmd.AddCommand(recognizeCmd)
}

func runRecognize(ctx context.Context, input string) error {
	if Catalogue.Len() == 0 {
		fmt.Fprintln(os.Stderr, "❌ No faces trained yet! Please train at least one face first.")
		return nil
	}

	format, device := cfg.Source.Format, cfg.Source.Device
	total := -1
	if input != "" {
		if _, err := os.Stat(input); err != nil {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
		format, device = "", input
		if n := utils.GetTotalFrames(input); n > 0 {
			total = n
		}
	}

	p, err := newPipeline(format, device)
	if err != nil {
		return err
	}
	defer p.Close()

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("👁️  Recognizing"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	start := time.Now()
	seen, err := watchRecognition(ctx, p.ctrl, newPrompter(os.Stdin, os.Stderr), os.Stderr, bar)
	_ = bar.Finish()
	seen.print(os.Stderr, start)
	if err != nil {
		utils.ShowError("Recognition stopped", err, p.py.Cmd)
		return err
	}
	return nil
}

// watchRecognition starts recognition and follows it until the source ends,
// the operator quits or ctx is done. New identities are announced as they
// first appear.
func watchRecognition(ctx context.Context, ctrl *engine.Controller, p *prompter, out io.Writer, bar *progressbar.ProgressBar) (sightings, error) {
	seen := sightings{}
	sub := ctrl.Subscribe(0)
	defer ctrl.Unsubscribe(sub)

	if err := ctrl.StartRecognition(ctx); err != nil {
		return seen, err
	}
	fmt.Fprintf(out, "🔍 Recognition running (threshold %.2f, lower is stricter). t + ENTER adjusts it, q + ENTER stops.\n", ctrl.Threshold())

	lines := p.lines
	for {
		select {
		case <-ctx.Done():
			return seen, ignoreCancel(ctrl.Exit(context.Background()))

		case ev := <-sub.Frames():
			_ = bar.Set(ev.FrameIndex)

		case ev, ok := <-sub.Events():
			if !ok {
				return seen, nil
			}
			switch ev.Kind {
			case engine.ResultsReady:
				for _, name := range seen.add(ev.Results) {
					_ = bar.Clear()
					fmt.Fprintf(out, "👤 %s recognized (similarity %.2f)\n", name, seen[name].Best)
				}
			case engine.WorkerStopped:
				return seen, ctrl.Wait(context.Background())
			}

		case line, ok := <-lines:
			if !ok {
				// Input closed: keep going until the source ends.
				lines = nil
				continue
			}
			switch line {
			case "q", "Q":
				return seen, ignoreCancel(ctrl.Exit(context.Background()))
			case "t", "T":
				adjustThreshold(ctx, ctrl, p)
			}
		}
	}
}

// adjustThreshold prompts for a new threshold. Invalid input leaves the
// current value untouched.
func adjustThreshold(ctx context.Context, ctrl *engine.Controller, p *prompter) {
	fmt.Fprintf(p.out, "Current threshold: %.2f (lower = stricter)\n", ctrl.Threshold())
	res, ok := p.ask(ctx, "Enter new threshold (0.1-0.9): ")
	if !ok {
		return
	}
	v, err := strconv.ParseFloat(res, 64)
	if err != nil {
		fmt.Fprintln(p.out, "Invalid input, threshold not changed")
		return
	}
	if err := ctrl.SetThreshold(v); err != nil {
		fmt.Fprintln(p.out, "Threshold must be between 0.1 and 0.9")
		return
	}
	fmt.Fprintf(p.out, "Threshold updated to %.2f\n", ctrl.Threshold())
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type sighting struct {
	Frames int
	Best   float64
	First  time.Time
	Last   time.Time
}

// sightings tallies known identities per run for the summary.
type sightings map[string]*sighting

// add records one frame of results and returns the names seen for the first time.
func (s sightings) add(results []matcher.Result) []string {
	var fresh []string
	counted := make(map[string]bool)
	for _, r := range results {
		if !r.Known() {
			continue
		}
		cur, ok := s[r.Label]
		if !ok {
			cur = &sighting{Best: r.Similarity, First: r.Timestamp}
			s[r.Label] = cur
			fresh = append(fresh, r.Label)
		}
		if !counted[r.Label] {
			cur.Frames++
			counted[r.Label] = true
		}
		if r.Similarity > cur.Best {
			cur.Best = r.Similarity
		}
		cur.Last = r.Timestamp
	}
	return fresh
}

func (s sightings) print(w io.Writer, start time.Time) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 RECOGNITION SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")

	if len(s) == 0 {
		fmt.Fprintf(w, "\nNo known faces recognized.\n")
	}

	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := s[name]
		fmt.Fprintf(w, "\n👤 %s: %d frames, best similarity %.2f\n", name, v.Frames, v.Best)
		fmt.Fprintf(w, "   %s -> %s\n", fmtTime(v.First.Sub(start).Seconds()), fmtTime(v.Last.Sub(start).Seconds()))
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

func fmtTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	sec := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
}
