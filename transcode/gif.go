// clipforge/transcode/gif.go
package transcode

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"clipforge/config"
	"clipforge/media"
	"clipforge/params"
	"clipforge/settings"
)

// Lossy compression levels for the escalating optimization passes. The
// second pass always recompresses the original encode, never the first
// pass's output, so lossy artifacts do not compound.
const (
	lossyLight = 30
	lossyHeavy = 60
)

// GIFOptions are the knobs for the palette-based encode.
type GIFOptions struct {
	FPS      int
	Scale    string
	Span     *params.TimeRange
	Optimize bool
	Speed    float64

	// Direct-variant extras; zero values mean "not set".
	Loop   int
	Dither string
	Colors int
}

// Result describes a finished transcode. OriginalSizeMB is set only when
// lossy optimization actually ran, so callers can show the reduction.
type Result struct {
	Artifact       media.Artifact
	FinalSizeMB    float64
	OriginalSizeMB *float64
	UploadRequired bool
}

// Transcoder drives the external encode and optimize binaries.
type Transcoder struct {
	cfg  *config.Config
	st   *settings.Store
	exec Execer
	log  zerolog.Logger
}

func New(cfg *config.Config, st *settings.Store, exec Execer, log zerolog.Logger) *Transcoder {
	return &Transcoder{
		cfg:  cfg,
		st:   st,
		exec: exec,
		log:  log.With().Str("component", "transcode").Logger(),
	}
}

// SpeedDelay is the per-frame delay (in GIF centiseconds) that plays an
// encode of the given fps at the given speed factor.
func SpeedDelay(fps int, speed float64) int {
	baseDelay := 100.0 / float64(fps)
	return int(math.Max(1, math.Round(baseDelay/speed)))
}

var unsafeBaseRe = regexp.MustCompile(`[^\w\-]`)

// outputName builds a collision-resistant output filename from the source
// video's base name.
func outputName(videoPath, ext string) string {
	base := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	base = unsafeBaseRe.ReplaceAllString(base, "_")
	return fmt.Sprintf("%s_%s%s", base, time.Now().Format("20060102_150405"), ext)
}

func trimArgs(span *params.TimeRange) []string {
	if span == nil {
		return nil
	}
	return []string{
		"-ss", strconv.FormatFloat(span.Start, 'f', -1, 64),
		"-t", strconv.FormatFloat(span.Duration(), 'f', -1, 64),
	}
}

func validateSpan(span *params.TimeRange) error {
	if span != nil && !span.Valid() {
		return &Error{Kind: KindInvalidSpan, msg: fmt.Sprintf(
			"time range end (%.2f) must be after start (%.2f)", span.End, span.Start)}
	}
	return nil
}

// runStage executes one external process and normalizes its failure modes:
// non-zero exit becomes a typed error with truncated diagnostics, and a
// missing expected output after a clean exit becomes KindMissingOutput.
func (t *Transcoder) runStage(ctx context.Context, stage, bin string, args []string, wantOutput string) error {
	t.log.Debug().Str("stage", stage).Str("bin", bin).Strs("args", args).Msg("running external process")
	output, err := t.exec.Run(ctx, bin, args...)
	if err != nil {
		return &Error{
			Kind:   KindProcessFailed,
			msg:    fmt.Sprintf("%s failed", stage),
			Output: truncateDiagnostic(output),
			err:    err,
		}
	}
	if wantOutput != "" {
		if _, statErr := os.Stat(wantOutput); statErr != nil {
			return &Error{
				Kind:   KindMissingOutput,
				msg:    fmt.Sprintf("%s produced no artifact", stage),
				Output: truncateDiagnostic(output),
			}
		}
	}
	return nil
}

// ToGIF converts video into a GIF using the two-pass palette pipeline:
// palette generation, palette-applied encode with dithering, then an
// optional frame-delay speed rewrite and the size gate.
func (t *Transcoder) ToGIF(ctx context.Context, video media.Artifact, workDir, outDir string, opts GIFOptions) (*Result, error) {
	if err := validateSpan(opts.Span); err != nil {
		return nil, err
	}
	if err := checkResources(t.cfg, workDir); err != nil {
		return nil, err
	}

	palettePath := filepath.Join(workDir, "palette.png")
	gifPath := filepath.Join(outDir, outputName(video.Path, ".gif"))
	trim := trimArgs(opts.Span)

	// Pass 1: generate the color palette. The fps and scale filters must
	// match pass 2 exactly or the palette misaligns with the frames.
	baseFilters := fmt.Sprintf("fps=%d,scale=%s:flags=lanczos", opts.FPS, opts.Scale)
	paletteArgs := append([]string{"-y"}, trim...)
	paletteArgs = append(paletteArgs,
		"-i", video.Path,
		"-vf", baseFilters+",palettegen",
		palettePath,
	)
	if err := t.runStage(ctx, "palette generation", t.cfg.FFBin, paletteArgs, palettePath); err != nil {
		return nil, err
	}

	// Pass 2: encode against the palette with dithered application.
	encodeArgs := append([]string{"-y"}, trim...)
	encodeArgs = append(encodeArgs,
		"-i", video.Path,
		"-i", palettePath,
		"-lavfi", fmt.Sprintf("%s[x];[x][1:v]paletteuse=dither=bayer:bayer_scale=5", baseFilters),
		gifPath,
	)
	if err := t.runStage(ctx, "gif encode", t.cfg.FFBin, encodeArgs, gifPath); err != nil {
		return nil, err
	}

	if err := t.applySpeed(ctx, gifPath, opts.FPS, opts.Speed); err != nil {
		return nil, err
	}

	return t.gate(ctx, gifPath, workDir, opts.Optimize)
}

// ToGIFDirect converts video in a single invocation with an inline palette
// filter chain, honoring the loop, dither and color-count knobs. The lossy
// recompression passes are not part of this variant; -optimize here selects
// the transparency-reserving palette instead.
func (t *Transcoder) ToGIFDirect(ctx context.Context, video media.Artifact, workDir, outDir string, opts GIFOptions) (*Result, error) {
	if err := validateSpan(opts.Span); err != nil {
		return nil, err
	}
	if err := checkResources(t.cfg, workDir); err != nil {
		return nil, err
	}

	gifPath := filepath.Join(outDir, outputName(video.Path, ".gif"))

	vf := []string{
		fmt.Sprintf("fps=%d", opts.FPS),
		fmt.Sprintf("scale=%s:flags=lanczos", opts.Scale),
	}
	if opts.Optimize {
		vf = append(vf, fmt.Sprintf(
			"split[s0][s1];[s0]palettegen=max_colors=%d:reserve_transparent=1[p];[s1][p]paletteuse=dither=%s",
			opts.Colors, opts.Dither))
	} else {
		vf = append(vf, fmt.Sprintf(
			"split[s0][s1];[s0]palettegen=max_colors=%d[p];[s1][p]paletteuse",
			opts.Colors))
	}

	args := append([]string{"-y"}, trimArgs(opts.Span)...)
	args = append(args, "-i", video.Path, "-vf", strings.Join(vf, ","))
	if opts.Loop >= 0 {
		args = append(args, "-loop", strconv.Itoa(opts.Loop))
	}
	args = append(args, gifPath)

	if err := t.runStage(ctx, "gif encode", t.cfg.FFBin, args, gifPath); err != nil {
		return nil, err
	}

	if err := t.applySpeed(ctx, gifPath, opts.FPS, opts.Speed); err != nil {
		return nil, err
	}

	art, err := media.FromFile(gifPath, media.KindGIF)
	if err != nil {
		return nil, &Error{Kind: KindMissingOutput, msg: "encoded gif disappeared", err: err}
	}
	return &Result{
		Artifact:       art,
		FinalSizeMB:    art.SizeMB(),
		UploadRequired: art.SizeMB() > t.st.ThresholdMB(),
	}, nil
}

// applySpeed rewrites the frame delay of an already-encoded GIF. This is a
// frame-timing rewrite rather than a re-encode: cheaper, and close enough
// to a true speed change for GIF playback.
func (t *Transcoder) applySpeed(ctx context.Context, gifPath string, fps int, speed float64) error {
	if speed == 1.0 || speed <= 0 {
		return nil
	}
	delay := SpeedDelay(fps, speed)
	args := []string{"--batch", "--no-warnings", fmt.Sprintf("--delay=%d", delay), gifPath}
	return t.runStage(ctx, "speed adjustment", t.cfg.GifsicleBin, args, gifPath)
}
