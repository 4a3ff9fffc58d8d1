// clipforge/transcode/optimize.go
package transcode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"clipforge/media"
)

// optimizeState tracks the escalating recompression of a single encode.
// Transitions are driven solely by measured size against the threshold.
type optimizeState int

const (
	stateUnoptimized optimizeState = iota
	stateLightlyOptimized
	stateHeavilyOptimized
	stateUploadRequired
)

// gate applies the size-threshold decision logic to a freshly encoded GIF.
// Over-threshold without an optimization request short-circuits straight to
// the upload path; optimizing without being asked would surprise the caller.
func (t *Transcoder) gate(ctx context.Context, gifPath, workDir string, optimize bool) (*Result, error) {
	art, err := media.FromFile(gifPath, media.KindGIF)
	if err != nil {
		return nil, &Error{Kind: KindMissingOutput, msg: "encoded gif disappeared", err: err}
	}
	threshold := t.st.ThresholdMB()
	initialMB := art.SizeMB()

	if initialMB <= threshold {
		return &Result{Artifact: art, FinalSizeMB: initialMB}, nil
	}

	if !optimize {
		t.log.Debug().Float64("size_mb", initialMB).Float64("threshold_mb", threshold).
			Msg("gif over threshold, optimization not requested")
		return &Result{Artifact: art, FinalSizeMB: initialMB, UploadRequired: true}, nil
	}

	return t.optimize(ctx, art, workDir, threshold)
}

// optimize runs the escalating lossy recompression. The input of every pass
// is the original encode: recompressing an already-lossy file compounds the
// quality loss without a matching size win.
func (t *Transcoder) optimize(ctx context.Context, original media.Artifact, workDir string, threshold float64) (*Result, error) {
	originalMB := original.SizeMB()
	optimizedPath := filepath.Join(workDir, "optimized.gif")

	state := stateUnoptimized
	levels := map[optimizeState]int{
		stateLightlyOptimized: lossyLight,
		stateHeavilyOptimized: lossyHeavy,
	}

	var optimizedMB float64
	for _, next := range []optimizeState{stateLightlyOptimized, stateHeavilyOptimized} {
		args := []string{
			fmt.Sprintf("--lossy=%d", levels[next]),
			original.Path,
			"-o", optimizedPath,
		}
		if err := t.runStage(ctx, "lossy recompression", t.cfg.GifsicleBin, args, optimizedPath); err != nil {
			return nil, err
		}
		state = next

		opt, err := media.FromFile(optimizedPath, media.KindGIF)
		if err != nil {
			return nil, &Error{Kind: KindMissingOutput, msg: "optimized gif disappeared", err: err}
		}
		optimizedMB = opt.SizeMB()
		t.log.Debug().Int("lossy", levels[next]).Float64("size_mb", optimizedMB).
			Msg("lossy pass complete")
		if optimizedMB <= threshold {
			break
		}
	}

	if optimizedMB > threshold {
		state = stateUploadRequired
	}

	// Promote the optimized file to the working artifact in every terminal
	// state; even when uploading, the smaller file is the one to ship.
	if err := os.Remove(original.Path); err != nil {
		return nil, fmt.Errorf("cannot replace original gif: %w", err)
	}
	if err := os.Rename(optimizedPath, original.Path); err != nil {
		return nil, fmt.Errorf("cannot move optimized gif into place: %w", err)
	}

	final, err := media.FromFile(original.Path, media.KindGIF)
	if err != nil {
		return nil, &Error{Kind: KindMissingOutput, msg: "optimized gif disappeared", err: err}
	}

	return &Result{
		Artifact:       final,
		FinalSizeMB:    final.SizeMB(),
		OriginalSizeMB: &originalMB,
		UploadRequired: state == stateUploadRequired,
	}, nil
}
