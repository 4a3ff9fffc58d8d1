// clipforge/transcode/audio.go
package transcode

import (
	"context"
	"path/filepath"

	"clipforge/media"
	"clipforge/params"
)

// AudioOptions are the knobs for audio extraction.
type AudioOptions struct {
	Span *params.TimeRange
}

// ToMP3 strips the video track and encodes the audio as MP3.
func (t *Transcoder) ToMP3(ctx context.Context, video media.Artifact, workDir, outDir string, opts AudioOptions) (*Result, error) {
	if err := validateSpan(opts.Span); err != nil {
		return nil, err
	}
	if err := checkResources(t.cfg, workDir); err != nil {
		return nil, err
	}

	mp3Path := filepath.Join(outDir, outputName(video.Path, ".mp3"))

	args := append([]string{"-y"}, trimArgs(opts.Span)...)
	args = append(args,
		"-i", video.Path,
		"-vn",
		"-acodec", "libmp3lame",
		mp3Path,
	)
	if err := t.runStage(ctx, "audio extraction", t.cfg.FFBin, args, mp3Path); err != nil {
		return nil, err
	}

	art, err := media.FromFile(mp3Path, media.KindAudio)
	if err != nil {
		return nil, &Error{Kind: KindMissingOutput, msg: "extracted audio disappeared", err: err}
	}
	return &Result{
		Artifact:       art,
		FinalSizeMB:    art.SizeMB(),
		UploadRequired: art.SizeMB() > t.st.ThresholdMB(),
	}, nil
}
