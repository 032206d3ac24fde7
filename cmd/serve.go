package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/faceid/internal/matcher"
	"github.com/andresmejia3/faceid/internal/server"
	"github.com/andresmejia3/faceid/internal/utils"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose training and recognition over an HTTP API",
	Long: "Serves the control API under /api/v1. The camera is opened on the first\n" +
		"training or recognition request and released by POST /api/v1/exit.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	f := serveCmd.Flags()
	f.String("listen", "127.0.0.1:8080", "Address the HTTP API listens on")
	f.Float64P("threshold", "t", matcher.DefaultThreshold, "Initial match threshold (0.1-0.9, lower is stricter)")
	f.String("format", "v4l2", "ffmpeg input format of the camera device")
	f.String("device", "/dev/video0", "Camera device")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	p, err := newPipeline(cfg.Source.Format, cfg.Source.Device)
	if err != nil {
		return err
	}
	defer p.Close()

	srv, err := server.New(ctx, server.Config{ListenAddr: cfg.Server.Listen, Logger: logger}, p.ctrl)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "🌐 Serving on http://%s/api/v1 (Ctrl+C to stop)\n", cfg.Server.Listen)
	if err := srv.Start(ctx); err != nil {
		utils.ShowError("HTTP server failed", err, p.py.Cmd)
		return err
	}
	return nil
}
