// clipforge/transcode/transcode_test.go
package transcode

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipforge/config"
	"clipforge/media"
	"clipforge/params"
	"clipforge/settings"
)

// fakeExecer records every invocation and fabricates the output files the
// real binaries would have written.
type fakeExecer struct {
	calls   [][]string
	handler func(call int, bin string, args []string) (string, error)
}

func (f *fakeExecer) Run(_ context.Context, bin string, args ...string) (string, error) {
	call := len(f.calls)
	f.calls = append(f.calls, append([]string{bin}, args...))
	if f.handler != nil {
		return f.handler(call, bin, args)
	}
	return "", writeOutput(args, 100)
}

// outputPath finds the file an invocation writes: the argument after -o for
// gifsicle, the last argument otherwise.
func outputPath(args []string) string {
	for i, a := range args {
		if a == "-o" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return args[len(args)-1]
}

func writeOutput(args []string, size int) error {
	return os.WriteFile(outputPath(args), bytes.Repeat([]byte{0x47}, size), 0o644)
}

func testTranscoder(t *testing.T, exec Execer) (*Transcoder, *settings.Store) {
	t.Helper()
	cfg := &config.Config{FFBin: "ffmpeg", GifsicleBin: "gifsicle"}
	st, err := settings.Open(filepath.Join(t.TempDir(), "settings"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(cfg, st, exec, zerolog.Nop()), st
}

func testVideo(t *testing.T) media.Artifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("not really a video"), 0o644))
	art, err := media.FromFile(path, media.KindVideo)
	require.NoError(t, err)
	return art
}

// thresholdBytes sets the delivery threshold to the given byte count so
// tests can cross it with tiny files.
func thresholdBytes(t *testing.T, st *settings.Store, n int) {
	t.Helper()
	require.NoError(t, st.SetThresholdMB(float64(n)/(1024*1024)))
}

func TestSpeedDelay(t *testing.T) {
	assert.Equal(t, 3, SpeedDelay(15, 2.0))
	assert.Equal(t, 7, SpeedDelay(15, 1.0))
	assert.Equal(t, 13, SpeedDelay(15, 0.5))
	// Delay never drops below one centisecond no matter how fast.
	assert.Equal(t, 1, SpeedDelay(50, 10.0))
}

func TestToGIFTwoPassPipeline(t *testing.T) {
	exec := &fakeExecer{}
	tr, st := testTranscoder(t, exec)
	thresholdBytes(t, st, 4096)

	res, err := tr.ToGIF(context.Background(), testVideo(t), t.TempDir(), t.TempDir(), GIFOptions{
		FPS:   15,
		Scale: "480:-1",
		Speed: 1.0,
	})
	require.NoError(t, err)
	require.Len(t, exec.calls, 2)

	palette := strings.Join(exec.calls[0], " ")
	assert.Equal(t, "ffmpeg", exec.calls[0][0])
	assert.Contains(t, palette, "fps=15,scale=480:-1:flags=lanczos,palettegen")

	encode := strings.Join(exec.calls[1], " ")
	assert.Contains(t, encode, "paletteuse=dither=bayer:bayer_scale=5")
	assert.Contains(t, encode, "palette.png")

	assert.False(t, res.UploadRequired)
	assert.Nil(t, res.OriginalSizeMB)
	assert.Equal(t, media.KindGIF, res.Artifact.Kind)
}

func TestToGIFTrimArgsPrecedeInput(t *testing.T) {
	exec := &fakeExecer{}
	tr, st := testTranscoder(t, exec)
	thresholdBytes(t, st, 4096)

	_, err := tr.ToGIF(context.Background(), testVideo(t), t.TempDir(), t.TempDir(), GIFOptions{
		FPS:   15,
		Scale: "480:-1",
		Speed: 1.0,
		Span:  &params.TimeRange{Start: 5, End: 15},
	})
	require.NoError(t, err)

	for _, call := range exec.calls {
		joined := strings.Join(call, " ")
		ss := strings.Index(joined, "-ss 5")
		in := strings.Index(joined, "-i ")
		require.True(t, ss >= 0 && ss < in, "trim must come before the input: %s", joined)
		assert.Contains(t, joined, "-t 10")
	}
}

func TestToGIFInvalidSpan(t *testing.T) {
	tr, _ := testTranscoder(t, &fakeExecer{})
	_, err := tr.ToGIF(context.Background(), testVideo(t), t.TempDir(), t.TempDir(), GIFOptions{
		FPS:   15,
		Scale: "480:-1",
		Span:  &params.TimeRange{Start: 15, End: 5},
	})
	require.Error(t, err)
	assert.Equal(t, KindInvalidSpan, KindOf(err))
}

func TestToGIFSpeedAdjustment(t *testing.T) {
	exec := &fakeExecer{}
	tr, st := testTranscoder(t, exec)
	thresholdBytes(t, st, 4096)

	_, err := tr.ToGIF(context.Background(), testVideo(t), t.TempDir(), t.TempDir(), GIFOptions{
		FPS:   15,
		Scale: "480:-1",
		Speed: 2.0,
	})
	require.NoError(t, err)
	require.Len(t, exec.calls, 3)

	speedCall := exec.calls[2]
	assert.Equal(t, "gifsicle", speedCall[0])
	assert.Equal(t, []string{"--batch", "--no-warnings", "--delay=3"}, speedCall[1:4])
}

func TestToGIFOverThresholdWithoutOptimize(t *testing.T) {
	exec := &fakeExecer{}
	exec.handler = func(call int, bin string, args []string) (string, error) {
		if call == 1 {
			return "", writeOutput(args, 3000)
		}
		return "", writeOutput(args, 100)
	}
	tr, st := testTranscoder(t, exec)
	thresholdBytes(t, st, 1000)

	res, err := tr.ToGIF(context.Background(), testVideo(t), t.TempDir(), t.TempDir(), GIFOptions{
		FPS:   15,
		Scale: "480:-1",
		Speed: 1.0,
	})
	require.NoError(t, err)
	// No gifsicle pass without the optimize flag.
	assert.Len(t, exec.calls, 2)
	assert.True(t, res.UploadRequired)
	assert.Nil(t, res.OriginalSizeMB)
}

func TestToGIFOptimizeSinglePassSuffices(t *testing.T) {
	exec := &fakeExecer{}
	exec.handler = func(call int, bin string, args []string) (string, error) {
		switch call {
		case 1:
			return "", writeOutput(args, 3000)
		case 2:
			return "", writeOutput(args, 800)
		}
		return "", writeOutput(args, 100)
	}
	tr, st := testTranscoder(t, exec)
	thresholdBytes(t, st, 1000)

	outDir := t.TempDir()
	res, err := tr.ToGIF(context.Background(), testVideo(t), t.TempDir(), outDir, GIFOptions{
		FPS:      15,
		Scale:    "480:-1",
		Speed:    1.0,
		Optimize: true,
	})
	require.NoError(t, err)
	require.Len(t, exec.calls, 3)

	lossy := exec.calls[2]
	assert.Equal(t, "gifsicle", lossy[0])
	assert.Equal(t, "--lossy=30", lossy[1])

	assert.False(t, res.UploadRequired)
	require.NotNil(t, res.OriginalSizeMB)
	assert.InDelta(t, 3000.0/(1024*1024), *res.OriginalSizeMB, 1e-9)
	assert.Equal(t, int64(800), res.Artifact.Size)
	// The optimized file takes over the original output path.
	assert.Equal(t, outDir, filepath.Dir(res.Artifact.Path))
}

func TestToGIFOptimizeEscalatesAgainstOriginal(t *testing.T) {
	exec := &fakeExecer{}
	exec.handler = func(call int, bin string, args []string) (string, error) {
		switch call {
		case 1:
			return "", writeOutput(args, 3000)
		case 2:
			return "", writeOutput(args, 2000)
		case 3:
			return "", writeOutput(args, 1500)
		}
		return "", writeOutput(args, 100)
	}
	tr, st := testTranscoder(t, exec)
	thresholdBytes(t, st, 1000)

	res, err := tr.ToGIF(context.Background(), testVideo(t), t.TempDir(), t.TempDir(), GIFOptions{
		FPS:      15,
		Scale:    "480:-1",
		Speed:    1.0,
		Optimize: true,
	})
	require.NoError(t, err)
	require.Len(t, exec.calls, 4)

	encodedGIF := outputPath(exec.calls[1][1:])
	heavy := exec.calls[3]
	assert.Equal(t, "--lossy=60", heavy[1])
	// The heavy pass recompresses the original encode, not the light pass's
	// output.
	assert.Equal(t, encodedGIF, heavy[2])

	assert.True(t, res.UploadRequired)
	assert.Equal(t, int64(1500), res.Artifact.Size)
	require.NotNil(t, res.OriginalSizeMB)
	assert.InDelta(t, 3000.0/(1024*1024), *res.OriginalSizeMB, 1e-9)
}

func TestToGIFDirectInlinePalette(t *testing.T) {
	exec := &fakeExecer{}
	tr, st := testTranscoder(t, exec)
	thresholdBytes(t, st, 4096)

	res, err := tr.ToGIFDirect(context.Background(), testVideo(t), t.TempDir(), t.TempDir(), GIFOptions{
		FPS:    20,
		Scale:  "320:-1",
		Speed:  1.0,
		Loop:   0,
		Dither: "bayer:bayer_scale=5",
		Colors: 128,
	})
	require.NoError(t, err)
	require.Len(t, exec.calls, 1)

	joined := strings.Join(exec.calls[0], " ")
	assert.Contains(t, joined, "fps=20")
	assert.Contains(t, joined, "palettegen=max_colors=128")
	assert.NotContains(t, joined, "reserve_transparent")
	assert.Contains(t, joined, "-loop 0")
	assert.False(t, res.UploadRequired)
}

func TestToGIFDirectOptimizeReservesTransparency(t *testing.T) {
	exec := &fakeExecer{}
	tr, st := testTranscoder(t, exec)
	thresholdBytes(t, st, 4096)

	_, err := tr.ToGIFDirect(context.Background(), testVideo(t), t.TempDir(), t.TempDir(), GIFOptions{
		FPS:      15,
		Scale:    "480:-1",
		Speed:    1.0,
		Loop:     -1,
		Dither:   "floyd_steinberg",
		Colors:   256,
		Optimize: true,
	})
	require.NoError(t, err)
	require.Len(t, exec.calls, 1)

	joined := strings.Join(exec.calls[0], " ")
	assert.Contains(t, joined, "reserve_transparent=1")
	assert.Contains(t, joined, "paletteuse=dither=floyd_steinberg")
	assert.NotContains(t, joined, "-loop")
}

func TestToMP3(t *testing.T) {
	exec := &fakeExecer{}
	tr, st := testTranscoder(t, exec)
	thresholdBytes(t, st, 4096)

	res, err := tr.ToMP3(context.Background(), testVideo(t), t.TempDir(), t.TempDir(), AudioOptions{
		Span: &params.TimeRange{Start: 2, End: 8},
	})
	require.NoError(t, err)
	require.Len(t, exec.calls, 1)

	joined := strings.Join(exec.calls[0], " ")
	assert.Contains(t, joined, "-vn")
	assert.Contains(t, joined, "-acodec libmp3lame")
	assert.Contains(t, joined, "-ss 2")
	assert.Contains(t, joined, "-t 6")
	assert.Equal(t, media.KindAudio, res.Artifact.Kind)
	assert.True(t, strings.HasSuffix(res.Artifact.Path, ".mp3"))
}

func TestRunStageFailureCarriesTruncatedOutput(t *testing.T) {
	exec := &fakeExecer{
		handler: func(call int, bin string, args []string) (string, error) {
			return strings.Repeat("x", 5000), errors.New("exit status 1")
		},
	}
	tr, _ := testTranscoder(t, exec)

	_, err := tr.ToGIF(context.Background(), testVideo(t), t.TempDir(), t.TempDir(), GIFOptions{
		FPS:   15,
		Scale: "480:-1",
	})
	require.Error(t, err)
	assert.Equal(t, KindProcessFailed, KindOf(err))

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Len(t, te.Output, maxDiagnostic)
	assert.True(t, strings.HasSuffix(te.Output, "..."))
}

func TestRunStageMissingOutput(t *testing.T) {
	exec := &fakeExecer{
		handler: func(call int, bin string, args []string) (string, error) {
			return "clean exit, no file", nil
		},
	}
	tr, _ := testTranscoder(t, exec)

	_, err := tr.ToGIF(context.Background(), testVideo(t), t.TempDir(), t.TempDir(), GIFOptions{
		FPS:   15,
		Scale: "480:-1",
	})
	require.Error(t, err)
	assert.Equal(t, KindMissingOutput, KindOf(err))
}
