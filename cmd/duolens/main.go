package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/ayusman/duolens/internal/app"
	"github.com/ayusman/duolens/internal/artifact"
	"github.com/ayusman/duolens/internal/calib"
	"github.com/ayusman/duolens/internal/capture"
	"github.com/ayusman/duolens/internal/config"
	"github.com/ayusman/duolens/internal/detector"
	"github.com/ayusman/duolens/internal/pipeline"
	"github.com/ayusman/duolens/internal/server"
	"github.com/ayusman/duolens/internal/store"
)

const usage = `duolens - dual-camera depth-of-field shots

Usage:
  duolens serve   [-config file] [-addr addr]
  duolens process [-config file] -normal file [-wide file] [-calibration file] [-out file]
  duolens capture [-config file] [-single] [-timeout duration]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "process":
		err = runProcess(os.Args[2:])
	case "capture":
		err = runCapture(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "duolens: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".duolens", "config.yaml")
}

func loadConfig(path string) (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(cfg config.Logging) (*zap.SugaredLogger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = level
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// newDetector returns the cascade detector, or nil when none is configured.
func newDetector(cfg config.Detector, logger *zap.SugaredLogger) detector.Detector {
	if cfg.CascadeFile == "" {
		logger.Info("no face cascade configured, relying on calibration faces")
		return nil
	}
	dc := detector.DefaultConfig()
	dc.CascadeFile = cfg.CascadeFile
	if cfg.MinFaceSize > 0 {
		dc.MinFaceSize = cfg.MinFaceSize
	}
	d, err := detector.NewCascadeDetector(dc)
	if err != nil {
		logger.Warnw("face detector unavailable", "cascade", cfg.CascadeFile, "error", err)
		return nil
	}
	return d
}

// newApp opens the store and builds the application.
func newApp(cfg *config.Config, logger *zap.SugaredLogger) (*app.App, *store.Store, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.New(cfg.Storage.Path(cfg.Storage.Database))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	a, err := app.New(app.Config{
		Config:   cfg,
		Store:    st,
		Detector: newDetector(cfg.Detector, logger.Named("detector")),
		Logger:   logger.Named("app"),
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	if err := a.DiscoverPlugins(); err != nil {
		logger.Warnw("plugin discovery failed", "error", err)
	}
	return a, st, nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "configuration file")
	addr := fs.String("addr", "", "listen address (overrides server.addr)")
	fs.Parse(args)

	cfg, logger, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, st, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := a.Start(); err != nil {
		return err
	}
	defer a.Stop()

	staticDir := cfg.Server.StaticDir
	if staticDir == "" {
		staticDir = findWebDir(cfg.Storage.DataDir)
	}
	if staticDir != "" {
		logger.Infow("serving static files", "dir", staticDir)
	}

	listen := cfg.Server.Addr
	if *addr != "" {
		listen = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(server.Config{StaticDir: staticDir, App: a, Logger: logger.Named("http")})
	return srv.Run(ctx, listen)
}

func runProcess(args []string) error {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "configuration file")
	normalPath := fs.String("normal", "", "normal lens image")
	widePath := fs.String("wide", "", "wide lens image; omit for a single-lens portrait")
	calibPath := fs.String("calibration", "", "rig calibration YAML (overrides capture.calibration_file)")
	outPath := fs.String("out", "", "output image (default <normal>_bokeh.jpg)")
	fs.Parse(args)

	if *normalPath == "" {
		fs.Usage()
		return errors.New("-normal is required")
	}

	cfg, logger, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	rig, err := loadRig(*calibPath, cfg.Capture.CalibrationFile)
	if err != nil {
		return err
	}

	shot, err := readShot(*normalPath, *widePath, rig)
	if err != nil {
		return err
	}
	defer shot.Close()

	det := newDetector(cfg.Detector, logger.Named("detector"))
	if det != nil {
		defer det.Close()
	}
	sinks := pipeline.Sinks{Dir: artifact.NewDirSink(cfg.Storage.Path(cfg.Storage.IntermediateDir), logger.Named("artifacts"))}
	p, err := pipeline.New(cfg, nil, det, sinks, logger.Named("pipeline"))
	if err != nil {
		return err
	}

	res, procErr := p.Process(shot)
	defer res.Close()

	out := *outPath
	if out == "" {
		out = withSuffix(*normalPath, "_bokeh.jpg")
	}
	switch res.Status {
	case pipeline.StatusIncomplete:
		return errors.New("shot is incomplete: an input image could not be read")
	case pipeline.StatusFailed:
		if !res.Fallback.Empty() {
			out = withSuffix(out, "_original.jpg")
			if ok := gocv.IMWrite(out, res.Fallback); ok {
				logger.Infow("wrote unprocessed image", "path", out)
			}
		}
		return procErr
	}

	if ok := gocv.IMWrite(out, res.Image); !ok {
		return fmt.Errorf("failed to write %s", out)
	}
	fmt.Printf("%s %s (%s, %s)\n", res.Status, out, res.Path, res.Duration.Round(time.Millisecond))
	return nil
}

func runCapture(args []string) error {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "configuration file")
	single := fs.Bool("single", false, "capture the wide lens only")
	timeout := fs.Duration("timeout", time.Minute, "time to wait for the shot")
	fs.Parse(args)

	cfg, logger, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	rigCal, err := loadRig("", cfg.Capture.CalibrationFile)
	if err != nil {
		return err
	}

	a, st, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := a.Start(); err != nil {
		return err
	}
	defer a.Stop()

	normal := capture.NewCamera(cfg.Capture.NormalDevice)
	wide := capture.NewCamera(cfg.Capture.WideDevice)
	for _, cam := range []capture.Camera{normal, wide} {
		cam.SetResolution(cfg.Capture.Width, cfg.Capture.Height)
	}
	rig := capture.NewRig(normal, wide, rigCal, a.Rendezvous(), logger.Named("rig"))
	if err := rig.Open(); err != nil {
		return err
	}
	defer rig.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	twoLens := cfg.Capture.TwoLens && !*single
	id, err := rig.Shoot(ctx, twoLens)
	if err != nil {
		return fmt.Errorf("shot %s: %w", id, err)
	}
	event, err := a.Await(ctx, id)
	if err != nil {
		return fmt.Errorf("shot %s: %w", id, err)
	}
	if event.Error != "" {
		return fmt.Errorf("shot %s failed: %s", id, event.Error)
	}
	fmt.Printf("%s %s %s\n", id, event.Status, event.OutputPath)
	return nil
}

// loadRig reads the calibration file given on the command line, else the configured one.
func loadRig(flagPath, configured string) (*calib.Rig, error) {
	path := flagPath
	if path == "" {
		path = configured
	}
	if path == "" {
		return &calib.Rig{}, nil
	}
	return calib.LoadRig(path)
}

func readShot(normalPath, widePath string, rig *calib.Rig) (*capture.Shot, error) {
	normal := gocv.IMRead(normalPath, gocv.IMReadColor)
	if normal.Empty() {
		normal.Close()
		return nil, fmt.Errorf("failed to read %s", normalPath)
	}

	id := filepath.Base(normalPath)
	if widePath == "" {
		return &capture.Shot{ID: id, Wide: capture.NewFrame(calib.Wide, normal, rig.For(calib.Wide))}, nil
	}

	wide := gocv.IMRead(widePath, gocv.IMReadColor)
	if wide.Empty() {
		normal.Close()
		wide.Close()
		return nil, fmt.Errorf("failed to read %s", widePath)
	}
	return &capture.Shot{
		ID:      id,
		TwoLens: true,
		Normal:  capture.NewFrame(calib.Normal, normal, rig.For(calib.Normal)),
		Wide:    capture.NewFrame(calib.Wide, wide, rig.For(calib.Wide)),
	}, nil
}

func withSuffix(path, suffix string) string {
	return path[:len(path)-len(filepath.Ext(path))] + suffix
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and <data dir>/web.
// Returns the first existing directory or empty string if none found.
func findWebDir(dataDir string) string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	dataWebDir := filepath.Join(dataDir, "web")
	if info, err := os.Stat(dataWebDir); err == nil && info.IsDir() {
		return dataWebDir
	}

	return ""
}
