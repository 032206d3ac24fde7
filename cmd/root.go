package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/andresmejia3/faceid/internal/config"
	"github.com/andresmejia3/faceid/internal/engine"
	"github.com/andresmejia3/faceid/internal/enroll"
	"github.com/andresmejia3/faceid/internal/history"
	"github.com/andresmejia3/faceid/internal/matcher"
	"github.com/andresmejia3/faceid/internal/store"
	"github.com/andresmejia3/faceid/internal/utils"
	"github.com/andresmejia3/faceid/internal/worker"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Catalogue is the face catalogue shared by subcommands
	Catalogue *store.Store

	cfg        *config.Config
	cfgFile    string
	logger     *slog.Logger
	closeStore func()
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "faceid",
	Short:   "Live face recognition with guided enrollment",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		logger = cfg.Logger()
		slog.SetDefault(logger)

		Catalogue, closeStore, err = openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}

		found, err := Catalogue.Load(cmd.Context())
		if err != nil {
			// A corrupt artifact is never silently replaced by an empty catalogue.
			return fmt.Errorf("failed to load face catalogue: %w", err)
		}
		if found {
			fmt.Fprintf(os.Stderr, "📦 Model loaded with %d faces\n", Catalogue.Len())
			fmt.Fprintf(os.Stderr, "👥 Recognized people: %s\n", strings.Join(Catalogue.Identities(), ", "))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeStore != nil {
			closeStore()
		}
	},
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() {
		// A missing .env is normal outside of docker compose.
		_ = godotenv.Load()
	})

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	pf.String("store", "file", "Catalogue backend: file or postgres")
	pf.String("model", store.DefaultModelFile, "Catalogue file for the file backend")
	pf.String("db", "", "PostgreSQL connection string (default: postgres://localhost:5432/faceid)")
	pf.String("python", "python3", "Python interpreter for the face worker")
	pf.String("script", "python/worker.py", "Face worker script")
	pf.Duration("timeout", 10*time.Second, "Per-request face worker timeout")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("log-format", "text", "Log format: text or json")
}

// openStore builds the catalogue on the configured backend. The returned
// func releases the backend.
func openStore(ctx context.Context, c *config.Config) (*store.Store, func(), error) {
	if c.Store.Backend == "postgres" {
		pg, err := store.NewPostgres(ctx, c.PostgresDSN())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		// Background: the command context may already be cancelled by Ctrl+C.
		return store.New(pg), func() { pg.Close(context.Background()) }, nil
	}
	return store.New(store.NewFileBackend(c.Store.Path)), func() {}, nil
}

func startWorker() (*worker.PythonWorker, error) {
	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := worker.NewPythonWorker(0, worker.Options{
		Python:  cfg.Worker.Python,
		Script:  cfg.Worker.Script,
		Timeout: cfg.Worker.Timeout,
	})
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return nil, err
	}
	return w, nil
}

func newSession(captures int, cooldown time.Duration) *enroll.Session {
	return enroll.NewSession(Catalogue, enroll.Options{
		MaxCaptures: captures,
		Cooldown:    cooldown,
		Archive:     enroll.NewArchive(cfg.Enrollment.ArchiveDir),
		Logger:      logger,
	})
}

// pipeline is a running controller plus the worker it drives.
type pipeline struct {
	ctrl *engine.Controller
	py   *worker.PythonWorker
}

// newPipeline wires the camera (or a file) through the face worker into a
// controller. Nothing is opened until the first command.
func newPipeline(format, device string) (*pipeline, error) {
	py, err := startWorker()
	if err != nil {
		return nil, err
	}

	threshold := matcher.NewThreshold()
	if err := threshold.Set(cfg.Recognition.Threshold); err != nil {
		py.Close()
		return nil, err
	}

	open := func(ctx context.Context) (engine.FrameSource, error) {
		src, err := utils.OpenFFmpeg(ctx, format, device)
		if err != nil {
			return nil, err
		}
		return src, nil
	}

	ctrl := engine.NewController(engine.Deps{
		Open:       open,
		Capability: py,
		Store:      Catalogue,
		Threshold:  threshold,
		History:    history.New(cfg.Recognition.HistorySize),
		Session:    newSession(cfg.Enrollment.Captures, cfg.Enrollment.Cooldown),
	}, engine.Options{
		Every:  cfg.Recognition.Every,
		Scale:  cfg.Recognition.Scale,
		Logger: logger,
	})
	return &pipeline{ctrl: ctrl, py: py}, nil
}

// Close stops the controller, then the worker. Run errors have already been
// reported by whoever watched the run.
func (p *pipeline) Close() {
	if err := p.ctrl.Exit(context.Background()); err != nil {
		logger.Debug("worker exited with error", "error", err)
	}
	if err := p.py.Close(); err != nil {
		logger.Warn("face worker exited uncleanly", "error", err)
	}
}
