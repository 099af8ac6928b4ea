package capture

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SeifBoukerdenna/CRCoach-sub002/internal/domain"
)

type fakeSource struct {
	mu      sync.Mutex
	img     image.Image
	playing bool
}

func newFakeSource(w, h int) *fakeSource {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return &fakeSource{img: img, playing: true}
}

func (f *fakeSource) Snapshot() (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.img, nil
}

func (f *fakeSource) Playing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func (f *fakeSource) setPlaying(playing bool) {
	f.mu.Lock()
	f.playing = playing
	f.mu.Unlock()
}

type sendRecorder struct {
	mu   sync.Mutex
	msgs []*domain.Message
}

func (r *sendRecorder) send(msg *domain.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *sendRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *sendRecorder) all() []*domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func testConfig(fps int) domain.FrameCaptureConfig {
	return domain.FrameCaptureConfig{FPS: fps, Quality: 0.8, MaxWidth: 640, MaxHeight: 480}
}

func TestEnable_TicksAtConfiguredRate(t *testing.T) {
	rec := &sendRecorder{}
	s := NewScheduler(testConfig(5), "4821", rec.send, nil)
	s.AttachSource(newFakeSource(32, 24))

	s.Enable()
	time.Sleep(1050 * time.Millisecond)
	s.Disable()

	got := rec.count()
	require.GreaterOrEqual(t, got, 4, "5 fps over ~1s should tick about 5 times")
	require.LessOrEqual(t, got, 6, "5 fps over ~1s should tick about 5 times")
}

func TestDisable_NoFurtherSends(t *testing.T) {
	rec := &sendRecorder{}
	s := NewScheduler(testConfig(50), "4821", rec.send, nil)
	s.AttachSource(newFakeSource(32, 24))

	s.Enable()
	require.Eventually(t, func() bool { return rec.count() > 0 },
		2*time.Second, 10*time.Millisecond, "expected at least one frame")

	s.Disable()
	settled := rec.count()
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, settled, rec.count(), "sends after Disable returned")

	// disabling twice is safe
	s.Disable()
}

func TestCapture_SkipsWhilePaused(t *testing.T) {
	rec := &sendRecorder{}
	src := newFakeSource(32, 24)
	src.setPlaying(false)

	s := NewScheduler(testConfig(50), "4821", rec.send, nil)
	s.AttachSource(src)
	s.Enable()
	defer s.Disable()

	time.Sleep(300 * time.Millisecond)
	require.Zero(t, rec.count(), "paused source must not produce frames")

	src.setPlaying(true)
	require.Eventually(t, func() bool { return rec.count() > 0 },
		2*time.Second, 10*time.Millisecond, "resumed source should produce frames")
}

func TestCapture_SkipsWithoutSourceOrDimensions(t *testing.T) {
	rec := &sendRecorder{}
	s := NewScheduler(testConfig(50), "4821", rec.send, nil)

	// no source attached at all
	s.Enable()
	time.Sleep(200 * time.Millisecond)
	require.Zero(t, rec.count())

	// zero-sized surface
	s.AttachSource(&fakeSource{img: image.NewRGBA(image.Rect(0, 0, 0, 0)), playing: true})
	time.Sleep(200 * time.Millisecond)
	s.Disable()
	require.Zero(t, rec.count())
}

func TestFrameNumbers_ResetOnRestart(t *testing.T) {
	rec := &sendRecorder{}
	s := NewScheduler(testConfig(50), "4821", rec.send, nil)
	s.AttachSource(newFakeSource(32, 24))

	s.Enable()
	require.Eventually(t, func() bool { return rec.count() >= 2 },
		2*time.Second, 10*time.Millisecond)
	s.Disable()

	msgs := rec.all()
	require.Equal(t, uint64(1), msgs[0].FrameNumber)
	require.Equal(t, uint64(2), msgs[1].FrameNumber)

	before := rec.count()
	s.Enable()
	require.Eventually(t, func() bool { return rec.count() > before },
		2*time.Second, 10*time.Millisecond)
	s.Disable()

	require.Equal(t, uint64(1), rec.all()[before].FrameNumber,
		"re-enabling must restart the frame counter")
}

func TestFramePayload_EncodedAndScaled(t *testing.T) {
	rec := &sendRecorder{}
	cfg := domain.FrameCaptureConfig{FPS: 50, Quality: 0.8, MaxWidth: 160, MaxHeight: 120}
	s := NewScheduler(cfg, "4821", rec.send, nil)
	s.AttachSource(newFakeSource(320, 240))

	s.Enable()
	require.Eventually(t, func() bool { return rec.count() > 0 },
		2*time.Second, 10*time.Millisecond)
	s.Disable()

	msg := rec.all()[0]
	require.Equal(t, domain.TypeFrameData, msg.Type)
	require.Equal(t, "4821", msg.SessionCode)
	require.NotZero(t, msg.Timestamp)
	require.NotNil(t, msg.Dimensions)
	require.Equal(t, 160, msg.Dimensions.Width)
	require.Equal(t, 120, msg.Dimensions.Height)
	require.Equal(t, 320, msg.Dimensions.SourceWidth)
	require.Equal(t, 240, msg.Dimensions.SourceHeight)

	raw, err := base64.StdEncoding.DecodeString(msg.FrameData)
	require.NoError(t, err)
	decoded, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, 160, decoded.Bounds().Dx())
	require.Equal(t, 120, decoded.Bounds().Dy())
}

func TestScaleToFit(t *testing.T) {
	cases := []struct {
		name         string
		srcW, srcH   int
		wantW, wantH int
	}{
		{name: "smaller frame passes through", srcW: 320, srcH: 240, wantW: 320, wantH: 240},
		{name: "landscape shrinks to width", srcW: 1280, srcH: 720, wantW: 640, wantH: 360},
		{name: "portrait shrinks to height", srcW: 720, srcH: 1280, wantW: 270, wantH: 480},
		{name: "exact fit passes through", srcW: 640, srcH: 480, wantW: 640, wantH: 480},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := image.NewRGBA(image.Rect(0, 0, tc.srcW, tc.srcH))
			_, w, h := scaleToFit(src, 640, 480)
			require.Equal(t, tc.wantW, w)
			require.Equal(t, tc.wantH, h)
		})
	}
}
