package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/schaermu/dirtidy/internal/activation"
	"github.com/schaermu/dirtidy/internal/config"
	"github.com/schaermu/dirtidy/internal/jobs"
	"github.com/schaermu/dirtidy/internal/scan"
	"github.com/schaermu/dirtidy/internal/tidy"
)

// socketName is the LISTEN_FDNAMES entry serve prefers
const socketName = "dirtidy"

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// run flags
	dryRun     bool
	subfolders bool

	// serve flags
	listenAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dirtidy",
	Short: "Remove duplicate files and rename folders into clean sequences",
	Long: `dirtidy removes files with identical content from a folder, keeping the
first one by name, and renames the remaining files after the folder:
holiday.jpg, holiday1.jpg, holiday2.png, ...

It can run once over a list of folders or as a long-running server that
accepts jobs over HTTP.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run <folder>...",
	Short: "Deduplicate and rename the given folders",
	Long: `Run processes each folder as an independent job: duplicates are removed
first, then every remaining non-hidden file is renamed to <folder><n><ext>
in name order. Hidden files are never touched.

With --subfolders every non-hidden directory directly inside the given
folders is processed instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job server",
	Long: `Serve starts a long-running HTTP server that runs jobs in the background:

  POST   /jobs        {"folder": "/path"}  start a job
  GET    /jobs                              list jobs
  GET    /jobs/{id}                         job status, progress and log
  DELETE /jobs/{id}                         cancel a job

When serve.secret_file is configured, POST and DELETE requests must carry an
X-Dirtidy-Signature: sha256=<hex HMAC> header computed over the request body,
or over the URL path for DELETE. Signatures have no timestamp and can be
replayed; a replayed DELETE only cancels the same job again, which does
nothing once it has stopped. systemd socket activation is supported.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dirtidy %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/dirtidy/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Run command flags
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	runCmd.Flags().BoolVar(&subfolders, "subfolders", false, "process the subfolders of each given folder")

	// Serve command flags
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides serve.listen_addr)")

	// Add commands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("dry-run") {
		cfg.Engine.DryRun = dryRun
	}

	fsys := tidy.NewOSFileSystem()
	folders, err := resolveFolders(fsys.Fs, args, subfolders)
	if err != nil {
		return err
	}
	if len(folders) == 0 {
		logger.Info("no folders to process")
		return nil
	}

	engine, err := tidy.NewEngine(cfg.Engine, fsys, logger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	// The engine runs in the background while progress is drawn
	progress := make(chan tidy.Progress)
	var summaries []*tidy.Summary

	var g errgroup.Group
	g.Go(func() error {
		defer close(progress)
		var err error
		summaries, err = engine.RunFolders(ctx, folders, progress)
		return err
	})
	g.Go(func() error {
		renderProgress(os.Stderr, progress, term.IsTerminal(int(os.Stderr.Fd())))
		return nil
	})

	err = g.Wait()
	printSummaries(os.Stdout, summaries)
	if err != nil {
		logger.Error("run finished with errors", "error", err)
		return err
	}

	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listenAddr != "" {
		cfg.Serve.ListenAddr = listenAddr
	}

	manager, err := jobs.NewManager(cfg, jobs.EngineRunner(cfg.Engine), logger)
	if err != nil {
		return err
	}

	server, err := jobs.NewServer(cfg, manager, logger)
	if err != nil {
		_ = manager.Close(0)
		return err
	}

	listener, activated, err := activation.Listen(socketName, cfg.Serve.ListenAddr)
	if err != nil {
		_ = manager.Close(0)
		return fmt.Errorf("failed to set up listener: %w", err)
	}
	if activated {
		logger.Info("using systemd socket activation", "addr", listener.Addr().String())
	}

	return server.Start(ctx, listener)
}

// resolveFolders expands args into the folders to process, in order.
func resolveFolders(fsys afero.Fs, args []string, withSubfolders bool) ([]string, error) {
	if !withSubfolders {
		return args, nil
	}

	var folders []string
	for _, root := range args {
		dirs, err := scan.Subfolders(fsys, root)
		if err != nil {
			return nil, fmt.Errorf("failed to list subfolders of %s: %w", root, err)
		}
		folders = append(folders, dirs...)
	}
	return folders, nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// An explicit path must exist; the default one is optional
	if cfgFile != "" {
		logger.Info("loading configuration", "path", cfgFile)
		return config.Load(cfgFile)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}
	configPath := filepath.Join(home, ".config", "dirtidy", "config.yaml")

	logger.Debug("loading configuration", "path", configPath)
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"hash", cfg.Engine.Hash,
		"staging_prefix", cfg.Engine.StagingPrefix,
		"dry_run", cfg.Engine.DryRun)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
