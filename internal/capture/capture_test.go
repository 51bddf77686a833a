package capture

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"print-sentinel/internal/timeutil"
	"print-sentinel/pkg/colorutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// fakeReader serves uniform frames with the given gray levels.
type fakeReader struct {
	levels []uint8
	next   int
	opened bool
	closed bool
}

func (f *fakeReader) Read(m *gocv.Mat) bool {
	if f.next >= len(f.levels) {
		return false
	}
	frame := gocv.NewMatWithSizeFromScalar(colorutil.Gray(f.levels[f.next]), 8, 8, gocv.MatTypeCV8UC3)
	defer frame.Close()
	frame.CopyTo(m)
	f.next++
	return true
}

func (f *fakeReader) IsOpened() bool { return f.opened }

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func testOptions(clock timeutil.Clock) Options {
	opts := DefaultOptions()
	opts.Clock = clock
	opts.MaxAttempts = 3
	opts.OpenTimeout = time.Second
	return opts
}

func TestAcquireStableFrame(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	// 150->100 moves, 100->100 is frozen, 100->99 is settled.
	reader := &fakeReader{levels: []uint8{150, 100, 100, 99}, opened: true}
	cam := New(reader, testOptions(clock))

	frame, err := cam.AcquireStableFrame(context.Background())
	require.NoError(t, err)
	defer frame.Close()

	assert.Equal(t, uint8(99), frame.GetUCharAt(0, 0))
	assert.Len(t, clock.Sleeps(), 3)
	for _, d := range clock.Sleeps() {
		assert.Equal(t, 500*time.Millisecond, d)
	}

	require.NoError(t, cam.Close())
	assert.True(t, reader.closed)
}

func TestAcquireStableFrameFrozenFeed(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	reader := &fakeReader{levels: []uint8{80, 80, 80, 80, 80}, opened: true}
	cam := New(reader, testOptions(clock))

	frame, err := cam.AcquireStableFrame(context.Background())
	defer frame.Close()
	assert.ErrorIs(t, err, ErrUnstable)
}

func TestAcquireStableFrameNeverOpens(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	reader := &fakeReader{levels: []uint8{80, 79}}
	cam := New(reader, testOptions(clock))

	frame, err := cam.AcquireStableFrame(context.Background())
	defer frame.Close()
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, clock.Now().Before(time.Unix(1, 0)))
}

func TestAcquireStableFrameReadFailure(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	reader := &fakeReader{levels: []uint8{80}, opened: true}
	cam := New(reader, testOptions(clock))

	frame, err := cam.AcquireStableFrame(context.Background())
	defer frame.Close()
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestAcquireStableFrameCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reader := &fakeReader{levels: []uint8{150, 100}, opened: true}
	cam := New(reader, testOptions(timeutil.NewMockClock(time.Unix(0, 0))))

	frame, err := cam.AcquireStableFrame(ctx)
	defer frame.Close()
	assert.ErrorIs(t, err, context.Canceled)
}

func writePNG(t *testing.T, path string, v uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 6, 4))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	img.Set(0, 0, color.Gray{Y: v})
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestReplay(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "layer_2.png"), 20)
	writePNG(t, filepath.Join(dir, "layer_1.png"), 10)
	writePNG(t, filepath.Join(dir, "layer_1_crop.png"), 99)

	replay, err := NewReplay(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, replay.Len())

	for _, want := range []uint8{10, 20} {
		frame, err := replay.AcquireStableFrame(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, frame.GetUCharAt(0, 0))
		frame.Close()
	}

	frame, err := replay.AcquireStableFrame(context.Background())
	defer frame.Close()
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestReplaySeek(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "layer_1.png"), 10)
	writePNG(t, filepath.Join(dir, "layer_2.png"), 20)
	writePNG(t, filepath.Join(dir, "layer_2_corrected.png"), 25)
	writePNG(t, filepath.Join(dir, "layer_3.png"), 30)

	replay, err := NewReplay(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, replay.Len())

	tests := []struct {
		layer    int
		reverify bool
		want     uint8
	}{
		{2, false, 20},
		{2, true, 25},
		{3, false, 30},
		{3, true, 30},
		{1, false, 10},
	}
	for _, tt := range tests {
		replay.Seek(tt.layer, tt.reverify)
		frame, err := replay.AcquireStableFrame(context.Background())
		require.NoError(t, err)
		assert.Equal(t, tt.want, frame.GetUCharAt(0, 0), "layer %d reverify %v", tt.layer, tt.reverify)
		frame.Close()
	}

	replay.Seek(7, false)
	frame, err := replay.AcquireStableFrame(context.Background())
	defer frame.Close()
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestReplayEmptyDir(t *testing.T) {
	_, err := NewReplay(t.TempDir(), nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}
