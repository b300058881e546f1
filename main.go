package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scribe/internal/app"
	"scribe/internal/audio"
	"scribe/internal/logging"
	"scribe/internal/server"
	"scribe/internal/session"
	"scribe/internal/utils"
)

type flags struct {
	config      string
	out         string
	mic         bool
	chunk       int
	split       string
	listen      string
	listDevices bool
	debug       bool
	set         map[string]bool
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.config, "config", "", "settings file (default: app config dir)")
	flag.StringVar(&f.out, "out", "", "output directory for recordings")
	flag.BoolVar(&f.mic, "mic", true, "mix in the default microphone")
	flag.IntVar(&f.chunk, "chunk", 0, "chunk length in seconds (5-300)")
	flag.StringVar(&f.split, "split", "", "transcribe an existing WAV file and exit")
	flag.StringVar(&f.listen, "listen", "", "serve the control API on this address")
	flag.BoolVar(&f.listDevices, "list-devices", false, "list audio devices and exit")
	flag.BoolVar(&f.debug, "debug", false, "debug logging")
	flag.Parse()

	f.set = make(map[string]bool)
	flag.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	return f
}

// apply lets explicit flags override the loaded settings.
func (f flags) apply(cfg *app.Config) {
	if f.set["out"] {
		cfg.OutputDir = f.out
	}
	if f.set["mic"] {
		cfg.MicEnabled = f.mic
	}
	if f.set["chunk"] {
		cfg.ChunkSeconds = f.chunk
	}
	if f.set["listen"] {
		cfg.Listen = f.listen
	}
	if f.set["debug"] {
		cfg.Debug = f.debug
	}
	cfg.Normalize()
}

func main() {
	f := parseFlags()

	if f.listDevices {
		if err := listDevices(); err != nil {
			log.Fatal(err)
		}
		return
	}

	cfg, err := app.LoadConfig(f.config)
	if err != nil {
		log.Fatal(err)
	}
	f.apply(&cfg)

	if err := logging.Setup(logging.GetDefaultLogPath(), cfg.Debug); err != nil {
		log.Printf("Failed to setup logging: %v", err)
	}
	defer logging.Close()

	if cfg.Debug {
		go func() {
			slog.Debug("starting pprof server", "addr", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				slog.Warn("pprof failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, f.split); err != nil {
		slog.Error("scribe failed", "error", err)
		logging.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg app.Config, splitPath string) error {
	scribe := app.New(cfg)
	if err := scribe.Initialize(ctx); err != nil {
		return err
	}
	defer scribe.Close()

	if splitPath != "" {
		res, err := scribe.TranscribeFile(ctx, splitPath, func(msg string) { fmt.Println(msg) })
		if err != nil {
			return err
		}
		printResult(res)
		return nil
	}

	lock, err := utils.AcquireInstanceLock(utils.AppName)
	if err != nil {
		return err
	}
	defer lock.Release()

	if cfg.Listen != "" {
		return serve(ctx, scribe, cfg.Listen)
	}
	return record(ctx, scribe)
}

// serve runs the control API; recordings are started and stopped over HTTP.
func serve(ctx context.Context, scribe *app.App, addr string) error {
	return server.New(scribe, slog.Default()).Run(ctx, addr)
}

// record captures until interrupted, then writes the transcripts.
func record(ctx context.Context, scribe *app.App) error {
	events, unsubscribe := scribe.Subscribe(64)
	defer unsubscribe()
	go func() {
		for ev := range events {
			switch ev.Type {
			case app.EventStatus, app.EventError:
				fmt.Println(ev.Message)
			case app.EventSegmentAdded:
				fmt.Printf("[%s] %s\n", ev.Segment.StartTime.Truncate(time.Second), ev.Segment.Text)
			}
		}
	}()

	// stopping is driven from here, not by the signal context
	path, err := scribe.StartRecording(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	fmt.Printf("Recording to %s, press Ctrl+C to stop\n", path)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
wait:
	for scribe.IsRecording() {
		select {
		case <-ctx.Done():
			break wait
		case <-ticker.C:
		}
	}

	res, err := scribe.StopRecording()
	if errors.Is(err, app.ErrNotRecording) {
		// the session ended on its own
		last, lastErr := scribe.LastResult()
		if last == nil {
			return lastErr
		}
		res, err = *last, lastErr
	}
	if err != nil && !errors.Is(err, session.ErrResidualWork) {
		printResult(res)
		return err
	}
	if err != nil {
		slog.Warn("some chunks were not transcribed", "error", err)
	}
	printResult(res)
	return nil
}

func printResult(res app.Result) {
	fmt.Printf("Audio:      %s\n", res.MasterPath)
	if res.TranscriptPath != "" {
		fmt.Printf("Transcript: %s\n", res.TranscriptPath)
	}
	if res.TranslatedPath != "" {
		fmt.Printf("Translated: %s\n", res.TranslatedPath)
	}
}

func listDevices() error {
	devices, err := audio.ListDevices()
	if err != nil {
		return err
	}
	for _, typ := range []audio.DeviceType{audio.DeviceTypeOutput, audio.DeviceTypeInput} {
		fmt.Printf("%s devices:\n", typ)
		for _, d := range audio.FilterDevices(devices, typ) {
			def := ""
			if d.IsDefault {
				def = " (default)"
			}
			fmt.Printf("  %s%s\n", d.Name, def)
		}
	}
	return nil
}
