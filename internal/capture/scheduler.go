package capture

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/jpeg"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/time/rate"

	"github.com/SeifBoukerdenna/CRCoach-sub002/internal/domain"
)

// Scheduler samples the rendered video surface on its own timer and emits
// frame_data messages, decoupled from the media path. Capture failures
// skip the tick; they never propagate backpressure to the render side.
type Scheduler struct {
	cfg    domain.FrameCaptureConfig
	code   string
	send   func(*domain.Message)
	logger *zap.Logger

	limiter *rate.Limiter

	mu      sync.Mutex
	source  Source
	enabled bool
	stop    chan struct{}
	done    chan struct{}
}

// NewScheduler creates a scheduler. send receives every encoded frame
// message; it must tolerate being called from the scheduler's goroutine.
func NewScheduler(cfg domain.FrameCaptureConfig, code string, send func(*domain.Message), logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:     cfg,
		code:    code,
		send:    send,
		logger:  logger.With(zap.String("component", "capture")),
		limiter: rate.NewLimiter(rate.Limit(cfg.FPS), 2),
	}
}

// AttachSource sets the surface to sample. Ticks fire regardless but skip
// silently until a playing source is attached.
func (s *Scheduler) AttachSource(src Source) {
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
}

// DetachSource clears the surface reference.
func (s *Scheduler) DetachSource() {
	s.AttachSource(nil)
}

// Enabled reports whether the capture loop is running.
func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Enable starts the capture loop. Enabling while already running cancels
// the old interval and starts fresh, resetting the frame counter.
func (s *Scheduler) Enable() {
	s.Disable()

	s.mu.Lock()
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop, s.done = stop, done
	s.enabled = true
	s.mu.Unlock()

	s.logger.Info("frame capture enabled",
		zap.Int("fps", s.cfg.FPS),
		zap.Float64("quality", s.cfg.Quality))
	go s.run(stop, done)
}

// Disable stops the capture loop and waits for it to exit. When Disable
// returns, no further frame_data sends will happen.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return
	}
	s.enabled = false
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	close(stop)
	<-done
	s.logger.Info("frame capture disabled")
}

func (s *Scheduler) run(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	defer ticker.Stop()

	var frameNo uint64
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.captureOnce(&frameNo)
		}
	}
}

func (s *Scheduler) captureOnce(frameNo *uint64) {
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()

	// not an error, the surface just is not ready yet
	if src == nil || !src.Playing() {
		return
	}

	img, err := src.Snapshot()
	if err != nil {
		s.logger.Debug("snapshot failed", zap.Error(err))
		return
	}
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return
	}

	if !s.limiter.Allow() {
		s.logger.Debug("frame rate cap hit, skipping tick")
		return
	}

	scaled, w, h := scaleToFit(img, s.cfg.MaxWidth, s.cfg.MaxHeight)

	var buf bytes.Buffer
	opts := &jpeg.Options{Quality: int(s.cfg.Quality * 100)}
	if err := jpeg.Encode(&buf, scaled, opts); err != nil {
		s.logger.Warn("frame encode failed", zap.Error(err))
		return
	}

	*frameNo++
	s.send(&domain.Message{
		Type:        domain.TypeFrameData,
		SessionCode: s.code,
		Timestamp:   time.Now().UnixMilli(),
		FrameData:   base64.StdEncoding.EncodeToString(buf.Bytes()),
		FrameNumber: *frameNo,
		Dimensions: &domain.Dimensions{
			Width:        w,
			Height:       h,
			SourceWidth:  srcW,
			SourceHeight: srcH,
		},
	})
}

// scaleToFit shrinks img to fit within maxW x maxH preserving aspect
// ratio. Frames already inside the box pass through untouched.
func scaleToFit(img image.Image, maxW, maxH int) (image.Image, int, int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return img, w, h
	}

	scale := math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	outW := int(float64(w) * scale)
	outH := int(float64(h) * scale)
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, outW, outH
}
