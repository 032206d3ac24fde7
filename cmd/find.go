package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/faceid/internal/engine"
	"github.com/andresmejia3/faceid/internal/matcher"
	"github.com/andresmejia3/faceid/internal/store"
	"github.com/andresmejia3/faceid/internal/types"
	"github.com/andresmejia3/faceid/internal/utils"
	"github.com/spf13/cobra"
)

var findCmd = &cobra.Command{
	Use:   "find <image_path>",
	Short: "Identify every face in a still image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runFind(cmd.Context(), args[0])
	},
}

func init() {
	findCmd.Flags().Float64P("threshold", "t", matcher.DefaultThreshold, "Match threshold (0.1-0.9, lower is stricter)")
	rootCmd.AddCommand(findCmd)
}

func runFind(ctx context.Context, imagePath string) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	if Catalogue.Len() == 0 {
		fmt.Println("❌ No faces trained yet! Please train at least one face first.")
		return nil
	}

	w, err := startWorker()
	if err != nil {
		return err
	}
	defer w.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	results, err := identify(ctx, w, imgData, Catalogue.All(), cfg.Recognition.Threshold)
	if err != nil {
		utils.ShowError("AI processing failed", err, w.Cmd)
		return err
	}
	if len(results) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}

	printResults(os.Stdout, results)
	return nil
}

// identify detects and matches every face of a still image at full
// resolution. Faces the worker could not encode are left out.
func identify(ctx context.Context, c engine.Capability, img []byte, snap store.Snapshot, threshold float64) ([]matcher.Result, error) {
	boxes, err := c.Detect(ctx, img)
	if err != nil {
		return nil, err
	}
	if len(boxes) == 0 {
		return nil, nil
	}
	encodings, err := c.Encode(ctx, img, boxes)
	if err != nil {
		return nil, err
	}

	var queries []store.Vector
	var kept []types.Box
	for i, enc := range encodings {
		if !enc.OK() {
			continue
		}
		queries = append(queries, enc.Vec)
		kept = append(kept, boxes[i])
	}

	results := matcher.MatchAll(queries, snap, threshold)
	for i := range results {
		results[i].Box = kept[i]
	}
	return results, nil
}

func printResults(out io.Writer, results []matcher.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE\tLABEL\tSIMILARITY\tBOX (T,R,B,L)")
	fmt.Fprintln(w, "----\t-----\t----------\t-------------")
	for i, r := range results {
		b := r.Box
		fmt.Fprintf(w, "%d\t%s\t%.2f\t%d,%d,%d,%d\n", i+1, r.Label, r.Similarity, b.Top(), b.Right(), b.Bottom(), b.Left())
	}
	w.Flush()
}
