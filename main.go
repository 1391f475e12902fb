// Package main runs hardware accelerated transcoding jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/hwpipe/config"
	"github.com/savid/hwpipe/handlers"
	"github.com/savid/hwpipe/internal/accel"
	"github.com/savid/hwpipe/internal/bitstream"
	"github.com/savid/hwpipe/internal/codec"
	"github.com/savid/hwpipe/internal/pipeline"
	"github.com/savid/hwpipe/internal/session"
	"github.com/savid/hwpipe/internal/types"
)

func main() {
	// Configure logrus
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	cfg, err := config.New()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to parse log level")
	}
	logrus.SetLevel(level)

	logger := logrus.NewEntry(logrus.StandardLogger())

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Job failed")
	}
}

func run(cfg *config.Config, logger *logrus.Entry) error {
	registry := accel.NewRegistry()
	sim := codec.SimProfile(cfg.Sim.Unit)
	sim.Faults = cfg.Sim.Faults
	if err := codec.Register(registry, sim); err != nil {
		return fmt.Errorf("failed to register devices: %w", err)
	}

	detector := accel.NewDetector(logger)
	selector := accel.NewSelector(detector, registry, types.HardwareType(cfg.Hardware), logger)
	if err := selector.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize hardware: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ends := &endpoints{logger: logger}
	defer ends.close()

	specs, err := ends.open(ctx, cfg.Sessions)
	if err != nil {
		return err
	}

	mcfg := session.DefaultConfig()
	if cfg.Workers > 0 {
		mcfg.Workers = cfg.Workers
	}
	if cfg.BufferCapacity > 0 {
		mcfg.BufferCapacity = cfg.BufferCapacity
	}

	m, err := session.NewManager(mcfg, registry, selector, specs, logger)
	if err != nil {
		return fmt.Errorf("failed to build job: %w", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close job")
		}
	}()

	if err := m.Init(ctx); err != nil {
		if !types.IsWarning(err) {
			return fmt.Errorf("failed to initialize job: %w", err)
		}
		logger.WithError(err).Warn("Job initialized with warnings")
	}

	for _, c := range m.Contexts() {
		logger.WithFields(logrus.Fields{
			"context":  c.Name(),
			"sessions": c.Members(),
			"workers":  c.Workers(),
		}).Info("Scheduling context ready")
	}

	reporter := session.NewReporter(m, cfg.ReportInterval, logger)
	go reporter.Start(ctx)

	var server *http.Server
	if cfg.Port > 0 {
		server = serve(cfg.Port, m, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			logger.Info("Stopping job...")
			m.Stop()
		case <-ctx.Done():
		}
	}()

	runErr := m.Run(ctx)

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Failed to gracefully shutdown")
		}
		shutdownCancel()
	}

	report := m.Report()
	logger.WithFields(logrus.Fields{
		"frames":    report.Frames,
		"bytes_out": report.BytesOut,
		"elapsed":   report.Elapsed.String(),
		"fps":       fmt.Sprintf("%.1f", report.FPS()),
	}).Info("Job summary")

	return runErr
}

func serve(port int, m *session.Manager, logger *logrus.Entry) *http.Server {
	mux := http.NewServeMux()
	handlers.Routes(mux, m)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handlers.LoggingMiddleware(logger.WithField("component", "http"))(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.WithField("port", port).Info("Starting stats server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Stats server failed")
		}
	}()
	return server
}

// endpoints owns the files and readers opened for a job.
type endpoints struct {
	logger  *logrus.Entry
	gen     *bitstream.Generator
	closers []io.Closer
}

func (e *endpoints) open(ctx context.Context, sessions []config.SessionConfig) ([]session.Spec, error) {
	e.gen = bitstream.NewGenerator()

	specs := make([]session.Spec, 0, len(sessions))
	for i := range sessions {
		sc := &sessions[i]
		spec := session.Spec{
			Config: sc.Pipeline(),
			From:   sc.From,
			Join:   sc.Join,
		}

		role := spec.Config.Role
		if role != pipeline.RoleEncode {
			src, err := e.source(ctx, sc)
			if err != nil {
				return nil, err
			}
			spec.Source = src
		}
		if role != pipeline.RoleDecode && sc.Output != "" {
			f, err := os.Create(sc.Output)
			if err != nil {
				return nil, fmt.Errorf("session %q: %w", sc.Name, err)
			}
			w := bitstream.NewWriter(f)
			e.closers = append(e.closers, w)
			spec.Sink = w
		}
		if sc.RawOutput != "" {
			f, err := os.Create(sc.RawOutput)
			if err != nil {
				return nil, fmt.Errorf("session %q: %w", sc.Name, err)
			}
			w := bitstream.NewFrameWriter(f)
			e.closers = append(e.closers, w)
			spec.Frames = w
		}

		specs = append(specs, spec)
	}
	return specs, nil
}

func (e *endpoints) source(ctx context.Context, sc *config.SessionConfig) (*bitstream.Reader, error) {
	var src io.Reader
	if sc.Input != "" {
		f, err := os.Open(sc.Input)
		if err != nil {
			return nil, fmt.Errorf("session %q: %w", sc.Name, err)
		}
		src = f
	} else {
		profile, err := sc.StreamProfile()
		if err != nil {
			return nil, fmt.Errorf("session %q: %w", sc.Name, err)
		}
		stream, err := e.gen.Stream(profile, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("session %q: %w", sc.Name, err)
		}
		e.logger.WithFields(logrus.Fields{
			"session": sc.Name,
			"profile": profile.Name,
			"frames":  profile.Frames,
		}).Info("Generating input stream")
		src = stream
	}

	reader := bitstream.NewReader(src, bitstream.ReaderConfig{MaxRetries: 3}, e.logger.WithField("session", sc.Name))
	reader.Start(ctx)
	e.closers = append(e.closers, reader)
	return reader, nil
}

func (e *endpoints) close() {
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			e.logger.WithError(err).Warn("Failed to close endpoint")
		}
	}
}
