package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/stroop/internal/app"
	"github.com/antoniostano/stroop/internal/display"
	"github.com/antoniostano/stroop/internal/httpapi"
	"github.com/antoniostano/stroop/internal/marker"
	"github.com/antoniostano/stroop/internal/observability"
	"github.com/antoniostano/stroop/internal/results"
	"github.com/antoniostano/stroop/internal/session"
	"github.com/antoniostano/stroop/internal/task"
)

type runOptions struct {
	participant   string
	blockNr       int
	trials        int
	language      string
	focus         string
	randomWait    bool
	classic       bool
	tutorial      bool
	seed          uint64
	display       string
	writeToSerial bool
	serialPort    string
	csvPath       string
	logFile       string
	markerAddr    string

	// hub receives the marker stream; nil creates one for the run.
	hub *marker.Hub
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Present one block locally and print its result",
	Long: `run presents one block in this terminal. Terminals only report key
presses, so the ready-gate mode needs --random-wait here; use "serve" and
the browser display for ready-gate blocks.

--display headless is an unattended dry run: the instructions are
skipped, DOWN is held through every ready gate and every trial times
out.

Markers are streamed on ws://<marker-addr>/v1/markers/ws while the block
runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		req := session.RunRequest{
			ParticipantID: runOpts.participant,
			BlockNr:       runOpts.blockNr,
			Trials:        runOpts.trials,
			Language:      runOpts.language,
			Focus:         runOpts.focus,
			RandomWait:    runOpts.randomWait,
			Classic:       runOpts.classic,
			Tutorial:      runOpts.tutorial,
		}
		if cmd.Flags().Changed("seed") {
			seed := runOpts.seed
			req.Seed = &seed
		}
		return runLocal(ctx, runOpts, req, cmd.OutOrStdout())
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.participant, "participant", "anonymous", "participant identifier stored with the result")
	f.IntVar(&runOpts.blockNr, "block-nr", 0, "block number; also seeds the classic table")
	f.IntVar(&runOpts.trials, "n-trials", 60, "number of trials, a positive multiple of 6")
	f.StringVar(&runOpts.language, "language", "", "word table language (default $STROOP_LANGUAGE)")
	f.StringVar(&runOpts.focus, "focus", "color", "attribute compared with the bottom word: color or text")
	f.BoolVar(&runOpts.randomWait, "random-wait", false, "start trials after a random wait instead of the ready gate")
	f.BoolVar(&runOpts.classic, "classic", false, "present the classic reading table instead of trials")
	f.BoolVar(&runOpts.tutorial, "tutorial", false, "keep each stimulus up for the tutorial duration")
	f.Uint64Var(&runOpts.seed, "seed", 0, "trial sequence seed (default random)")
	f.StringVar(&runOpts.display, "display", display.BackendTerminal, "display backend: terminal or headless")
	f.BoolVar(&runOpts.writeToSerial, "write-to-serial", false, "also write markers to the serial trigger line")
	f.StringVar(&runOpts.serialPort, "serial-port", "", "serial port (default $MARKER_SERIAL_PORT)")
	f.StringVar(&runOpts.csvPath, "csv", "", "write the reactions to this CSV file")
	f.StringVar(&runOpts.logFile, "log-file", "", "log to this file; the terminal display logs nothing otherwise")
	f.StringVar(&runOpts.markerAddr, "marker-addr", "", "listen address of the marker stream (default $APP_BIND_ADDR or :8080)")
}

func runLocal(ctx context.Context, opts runOptions, req session.RunRequest, out io.Writer) error {
	backend := strings.ToLower(strings.TrimSpace(opts.display))
	if backend != display.BackendTerminal && backend != display.BackendHeadless {
		return fmt.Errorf("invalid --display %q (expected terminal|headless)", opts.display)
	}
	log, err := runLogger(backend, opts.logFile)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWith(reg, cfg.MetricsNamespace)
	store, err := results.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("result store init failed: %w", err)
	}
	defer store.Close()

	hub := opts.hub
	if hub == nil {
		hub = marker.NewHub(log)
		defer hub.Close()
	}
	recorder := &marker.Recorder{}
	markerOpts := app.MarkerOptions(cfg)
	if opts.writeToSerial {
		markerOpts.Serial.Enabled = true
	}
	if opts.serialPort != "" {
		markerOpts.Serial.Port = opts.serialPort
	}
	writer, err := marker.Open(ctx, markerOpts, marker.Tee{recorder, hub}, log, metrics)
	if err != nil {
		return fmt.Errorf("marker writer init failed: %w", err)
	}
	defer writer.Close()
	if opts.writeToSerial && !writer.HasHardware() {
		fmt.Fprintf(os.Stderr, "stroop: serial line %q unavailable, markers are recorded without hardware\n", markerOpts.Serial.Port)
	}

	var (
		surface  app.Surface
		terminal *display.Terminal
		headless *display.Headless
	)
	if backend == display.BackendTerminal {
		terminal = display.NewTerminal(nil, tea.WithAltScreen(), tea.WithContext(ctx))
		surface = terminal
	} else {
		headless = display.NewHeadless(log)
		headless.HoldReady(!req.RandomWait && !req.Classic)
		surface = headless
	}

	sessions := session.NewManager(time.Hour)
	runner := app.NewRunner(app.RunnerConfig{
		TaskConfigDir:   cfg.TaskConfigDir,
		DefaultLanguage: cfg.Language,
		Backend:         backend,
		LogicInterval:   cfg.LogicInterval,
		FrameInterval:   cfg.FrameInterval(),
	}, surface, writer, store, sessions, metrics, log)

	addr := opts.markerAddr
	if addr == "" {
		addr = cfg.BindAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("marker stream listen: %w", err)
	}
	api := httpapi.New(cfg, httpapi.Deps{
		Sessions: sessions,
		Runner:   runner,
		Store:    store,
		Markers:  hub,
		Metrics:  metrics,
		Gatherer: reg,
		Logger:   log,
	})
	markerServer := &http.Server{Handler: api.Router()}
	go func() {
		if err := markerServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("marker stream server stopped", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := markerServer.Shutdown(shutdownCtx); err != nil {
			_ = markerServer.Close()
		}
	}()
	fmt.Fprintf(os.Stderr, "stroop: markers on ws://%s/v1/markers/ws\n", ln.Addr())
	log.Info("marker stream listening", zap.String("addr", ln.Addr().String()))

	sess, err := runner.Start(ctx, req)
	if err != nil {
		return err
	}
	if headless != nil {
		headless.Press(task.KeyEvent{Key: task.KeySpace, Action: task.Press})
	}

	finished := make(chan struct{})
	var record results.BlockRecord
	g, gctx := errgroup.WithContext(ctx)
	if terminal != nil {
		g.Go(func() error {
			err := terminal.Run()
			if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				_ = runner.Abort(sess.ID, "display")
				return fmt.Errorf("terminal display: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(finished)
		var err error
		record, err = runner.Wait(context.Background(), sess.ID)
		return err
	})
	g.Go(func() error {
		select {
		case <-finished:
			return nil
		case <-gctx.Done():
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := runner.Close(closeCtx)
		if terminal != nil {
			terminal.Kill()
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	printRecord(out, record, len(recorder.Samples()))
	if opts.csvPath != "" {
		if err := writeCSVFile(opts.csvPath, record); err != nil {
			return err
		}
		fmt.Fprintf(out, "reactions written to %s\n", opts.csvPath)
	}
	return nil
}

// runLogger keeps log lines out of the terminal display.
func runLogger(backend, path string) (*zap.Logger, error) {
	if path != "" {
		zc := zap.NewProductionConfig()
		zc.OutputPaths = []string{path}
		zc.ErrorOutputPaths = []string{path}
		if lvl, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
			zc.Level = lvl
		}
		return zc.Build()
	}
	if backend == display.BackendTerminal {
		return zap.NewNop(), nil
	}
	return logger, nil
}

func printRecord(out io.Writer, rec results.BlockRecord, markers int) {
	status := "completed"
	if rec.Aborted {
		status = "aborted"
	}
	correct := 0
	for _, tr := range rec.Trials {
		if tr.Correct {
			correct++
		}
	}
	fmt.Fprintf(out, "block %d (%s) %s: participant=%s trials=%d correct=%d mean=%.0fms markers=%d result=%s\n",
		rec.BlockNr, rec.Mode, status, rec.ParticipantID, len(rec.Trials), correct, rec.MeanLatencyMS, markers, rec.ID)
}

func writeCSVFile(path string, rec results.BlockRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := results.WriteCSV(f, rec); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
