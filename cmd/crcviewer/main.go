package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SeifBoukerdenna/CRCoach-sub002/internal/api"
	"github.com/SeifBoukerdenna/CRCoach-sub002/internal/config"
	"github.com/SeifBoukerdenna/CRCoach-sub002/internal/domain"
	"github.com/SeifBoukerdenna/CRCoach-sub002/internal/logger"
	"github.com/SeifBoukerdenna/CRCoach-sub002/internal/monitoring"
	sigchan "github.com/SeifBoukerdenna/CRCoach-sub002/internal/signal"
	"github.com/SeifBoukerdenna/CRCoach-sub002/internal/viewer"
	"github.com/SeifBoukerdenna/CRCoach-sub002/internal/webrtc"
)

const helpText = `crcviewer - Watch a live broadcast by 4-digit session code

Usage:
  crcviewer -code 4821 [options]

The raw H264 elementary stream is written to stdout; all logging goes to
stderr. Pipe stdout into ffplay or ffmpeg for playback or recording.

Examples:
  # Live playback
  crcviewer -code 4821 | ffplay -f h264 -probesize 32 -

  # Record to MP4
  crcviewer -code 4821 | ffmpeg -f h264 -i - -c copy capture.mp4

  # Headless with frame sampling for the inference pipeline
  crcviewer -code 4821 -inference -dump=false

Options:
  -code       4-digit session code (or CRC_SESSION_CODE)
  -config     path to the YAML config file (default config.yaml)
  -inference  enable frame capture and the server-side inference pipeline
  -dump       write the raw H264 stream to stdout (default true)
  -h, --help  show this help
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, helpText) }
	code := flag.String("code", os.Getenv("CRC_SESSION_CODE"), "4-digit session code")
	configPath := flag.String("config", "config.yaml", "path to config file")
	inference := flag.Bool("inference", false, "enable frame capture for inference")
	dump := flag.Bool("dump", true, "write raw H264 to stdout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *code == "" {
		fmt.Fprint(os.Stderr, helpText)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Info("shutting down", zap.String("signal", s.String()))
		cancel()
	}()

	var metrics *monitoring.Collector
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewCollector(prometheus.DefaultRegisterer)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort)
		go func() {
			log.Info("metrics listening", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	registry := api.NewClient(cfg.Registry.BaseURL, cfg.Registry.Timeout, log)

	var videoOut *os.File
	if *dump {
		videoOut = os.Stdout
	}

	factories := viewer.Factories{
		NewSignaler: func(code string, onMessage func(*domain.Message), onClose func(error)) domain.Signaler {
			return sigchan.NewChannel(sigchan.Config{
				URL:              strings.TrimRight(cfg.Signal.URL, "/") + "/" + code,
				Code:             code,
				HandshakeTimeout: cfg.Signal.HandshakeTimeout,
				PingInterval:     cfg.Signal.PingInterval,
				WriteTimeout:     cfg.Signal.WriteTimeout,
			}, onMessage, onClose, log)
		},
		NewPeer: func(cb viewer.PeerCallbacks) (domain.Peer, error) {
			if videoOut != nil {
				return webrtc.NewManager(cfg.WebRTC.ICEServers, videoOut, webrtc.Callbacks(cb), log)
			}
			return webrtc.NewManager(cfg.WebRTC.ICEServers, nil, webrtc.Callbacks(cb), log)
		},
	}

	ctrl := viewer.NewController(viewer.Config{
		StatsInterval:   cfg.WebRTC.StatsInterval,
		ProbeInterval:   cfg.Latency.ProbeInterval,
		EncodingDelayMs: cfg.Latency.EncodingDelayMs,
		Capture: domain.FrameCaptureConfig{
			FPS:       cfg.Capture.FPS,
			Quality:   cfg.Capture.Quality,
			MaxWidth:  cfg.Capture.MaxWidth,
			MaxHeight: cfg.Capture.MaxHeight,
		},
	}, registry, factories, metrics, log)

	if err := ctrl.Connect(ctx, *code); err != nil {
		log.Error("connect failed", zap.Error(err))
		os.Exit(1)
	}

	if *inference {
		if _, err := ctrl.SetInference(ctx, true); err != nil {
			log.Warn("inference enable failed", zap.Error(err))
		}
	}

	// run until interrupted or the connection tears itself down
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if ctrl.State() == viewer.StateIdle {
				break loop
			}
		}
	}

	ctrl.Disconnect()
	if ce := ctrl.LastError(); ce != nil {
		log.Error("session ended", zap.String("code", ce.Code), zap.String("message", ce.Message))
		os.Exit(1)
	}
	log.Info("done")
}
