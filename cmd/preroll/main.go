// Command preroll runs a gated media pipeline: an H.264 elementary stream
// from a file, stdin, or SRT publishers is framed into access units and
// pushed through a preroll valve into a file sink and an optional QUIC
// fan-out. The valve's open property is controlled over HTTP or by an
// auto-open timer, making the binary a drop-in preroll gate for live
// sources.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/preroll/certs"
	"github.com/zsiec/preroll/demux"
	"github.com/zsiec/preroll/distribution"
	"github.com/zsiec/preroll/ingest"
	srtingest "github.com/zsiec/preroll/ingest/srt"
	"github.com/zsiec/preroll/pipeline"
	"github.com/zsiec/preroll/valve"
)

var version = "dev"

type app struct {
	cfg     valve.Config
	fps     float64
	sink    valve.Sink
	failure chan error

	mu        sync.Mutex
	pipelines map[string]*pipeline.Pipeline
}

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := valveConfigFromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	input := envOr("INPUT", "")
	srtAddr := envOr("SRT_ADDR", "")
	outPath := envOr("OUT", "-")
	quicAddr := envOr("QUIC_ADDR", "")
	apiAddr := envOr("API_ADDR", ":4444")
	fps, err := strconv.ParseFloat(envOr("FPS", "30"), 64)
	if err != nil {
		slog.Error("invalid FPS", "error", err)
		os.Exit(1)
	}
	if input == "" && srtAddr == "" {
		slog.Error("no input configured: set INPUT (file or -) or SRT_ADDR")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("preroll starting",
		"version", version,
		"open", cfg.Open,
		"max_history", cfg.MaxHistory,
		"no_keyframe", cfg.OnNoKeyframe,
		"input", input,
		"srt", srtAddr,
		"out", outPath,
		"quic", quicAddr,
		"api", apiAddr,
	)

	g, ctx := errgroup.WithContext(ctx)

	a := &app{
		cfg:       cfg,
		fps:       fps,
		failure:   make(chan error, 1),
		pipelines: make(map[string]*pipeline.Pipeline),
	}

	fileSink, closeOut, err := openOutput(outPath)
	if err != nil {
		slog.Error("failed to open output", "error", err)
		os.Exit(1)
	}
	defer closeOut()
	a.sink = fileSink

	if quicAddr != "" {
		cert, err := certs.Generate(0)
		if err != nil {
			slog.Error("failed to generate cert", "error", err)
			os.Exit(1)
		}
		slog.Info("certificate generated", "fingerprint", cert.FingerprintBase64())

		quicSrv := distribution.NewQUICServer(quicAddr, cert.TLSConfig(), nil)
		a.sink = pipeline.NewTee(fileSink, quicSrv)
		g.Go(func() error {
			return quicSrv.Start(ctx)
		})
	}

	if srtAddr != "" {
		registry := ingest.NewRegistry(func(key string, in io.Reader) {
			if err := a.runStream(ctx, key, in); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("stream failed", "stream", key, "error", err)
				a.fail(err)
			}
		})
		srtSrv := srtingest.NewServer(srtAddr, registry, nil)
		g.Go(func() error {
			return srtSrv.Start(ctx)
		})
	}

	if input != "" {
		g.Go(func() error {
			in, closeIn, err := openInput(input)
			if err != nil {
				return err
			}
			defer closeIn()
			return a.runStream(ctx, "default", in)
		})
	}

	if after := envOr("OPEN_AFTER", ""); after != "" {
		d, err := time.ParseDuration(after)
		if err != nil {
			slog.Error("invalid OPEN_AFTER", "error", err)
			os.Exit(1)
		}
		g.Go(func() error {
			select {
			case <-time.After(d):
				slog.Info("auto-open timer fired", "after", d)
				return a.setOpenAll(true)
			case <-ctx.Done():
				return nil
			}
		})
	}

	apiSrv := &http.Server{Addr: apiAddr, Handler: a.apiHandler()}
	g.Go(func() error {
		slog.Info("control API listening", "addr", apiAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		select {
		case err := <-a.failure:
			return err
		case <-ctx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("exiting with error", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// runStream frames one byte stream into units and runs it through its own
// valve pipeline until EOS or failure.
func (a *app) runStream(ctx context.Context, key string, in io.Reader) error {
	framer, err := demux.NewH264Framer(in, a.fps, slog.With("stream", key))
	if err != nil {
		return err
	}
	p, err := pipeline.New(framer, a.cfg, a.sink, slog.With("stream", key))
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.pipelines[key] = p
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pipelines, key)
		a.mu.Unlock()
	}()

	return p.Run(ctx)
}

// fail reports a fatal stream error to the supervisor once.
func (a *app) fail(err error) {
	select {
	case a.failure <- err:
	default:
	}
}

// setOpenAll toggles every active pipeline's valve. A flush failure is
// fatal for the process, matching the no-retry forwarding contract.
func (a *app) setOpenAll(open bool) error {
	a.mu.Lock()
	pipes := make([]*pipeline.Pipeline, 0, len(a.pipelines))
	for _, p := range a.pipelines {
		pipes = append(pipes, p)
	}
	a.mu.Unlock()

	for _, p := range pipes {
		if err := p.Valve().SetOpen(open); err != nil {
			return err
		}
	}
	return nil
}

// apiHandler serves the runtime control surface: GET /api/valve returns
// per-stream snapshots, POST /api/valve?open=true|false toggles the gate.
func (a *app) apiHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/valve", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			a.mu.Lock()
			snaps := make(map[string]pipeline.Snapshot, len(a.pipelines))
			for key, p := range a.pipelines {
				snaps[key] = p.Snapshot()
			}
			a.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(snaps)

		case http.MethodPost:
			open, err := strconv.ParseBool(r.URL.Query().Get("open"))
			if err != nil {
				http.Error(w, "open must be true or false", http.StatusBadRequest)
				return
			}
			if err := a.setOpenAll(open); err != nil {
				a.fail(err)
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	return mux
}

func valveConfigFromEnv() (valve.Config, error) {
	cfg := valve.Config{
		Open:  os.Getenv("OPEN") == "true",
		Debug: os.Getenv("DEBUG") != "",
	}
	if v := envOr("MAX_HISTORY", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid MAX_HISTORY: %w", err)
		}
		cfg.MaxHistory = d
	}
	switch policy := envOr("NO_KEYFRAME", "drop"); policy {
	case "drop":
		cfg.OnNoKeyframe = valve.NoKeyframeDrop
	case "emit-all":
		cfg.OnNoKeyframe = valve.NoKeyframeEmitAll
	default:
		return cfg, fmt.Errorf("invalid NO_KEYFRAME policy %q (want drop or emit-all)", policy)
	}
	return cfg, nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func openOutput(path string) (*distribution.WriterSink, func(), error) {
	if path == "-" {
		return distribution.NewWriterSink(nopCloser{os.Stdout}), func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return distribution.NewWriterSink(f), func() { f.Close() }, nil
}

// nopCloser keeps end-of-stream from closing stdout.
type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
