// clipforge/pipeline/pipeline.go
package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"

	"clipforge/config"
	"clipforge/deliver"
	"clipforge/fetch"
	"clipforge/media"
	"clipforge/params"
	"clipforge/settings"
	"clipforge/transcode"
)

// Command selects which processing variant a job runs.
type Command string

const (
	CommandDownload Command = "download"
	CommandGIF      Command = "gif"
	CommandConvert  Command = "convert"
	CommandAudio    Command = "audio"
)

func ParseCommand(s string) (Command, error) {
	switch Command(s) {
	case CommandDownload, CommandGIF, CommandConvert, CommandAudio:
		return Command(s), nil
	}
	return "", fmt.Errorf("unknown command %q", s)
}

// OutputFile is one produced file with its delivery routing applied.
type OutputFile struct {
	Path           string   `json:"path"`
	SizeMB         float64  `json:"size_mb"`
	OriginalSizeMB *float64 `json:"original_size_mb,omitempty"`
	URL            string   `json:"url,omitempty"`
	Uploaded       bool     `json:"uploaded"`
	Expiry         string   `json:"expiry,omitempty"`
	DownloadURL    string   `json:"downloadUrl,omitempty"` // Filled by the API layer
}

// Outcome is a finished job's result.
type Outcome struct {
	Files []OutputFile `json:"files"`
}

// Orchestrator runs one command end to end: fetch, transcode, deliver. Each
// run gets an isolated working directory that is torn down afterwards unless
// persistent storage is enabled.
type Orchestrator struct {
	cfg      *config.Config
	st       *settings.Store
	fetcher  *fetch.Fetcher
	trans    *transcode.Transcoder
	uploader *deliver.Uploader
	log      zerolog.Logger
}

func New(cfg *config.Config, st *settings.Store, f *fetch.Fetcher, tr *transcode.Transcoder, up *deliver.Uploader, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		st:       st,
		fetcher:  f,
		trans:    tr,
		uploader: up,
		log:      log.With().Str("component", "pipeline").Logger(),
	}
}

// Run dispatches args to the variant named by cmd. Returned errors are
// always *pipeline.Error: the message is safe to show to the user and the
// underlying cause stays wrapped inside.
func (o *Orchestrator) Run(ctx context.Context, cmd Command, args string) (*Outcome, error) {
	id := shortuuid.New()
	workDir := filepath.Join(o.st.StoragePath(), "work", id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, wrap(err, "Cannot prepare a working directory.")
	}
	outDir := o.st.StoragePath()
	defer func() {
		if o.st.Persistent() {
			o.log.Debug().Str("dir", workDir).Msg("keeping working directory")
			return
		}
		if err := os.RemoveAll(workDir); err != nil {
			o.log.Warn().Err(err).Str("dir", workDir).Msg("working directory cleanup failed")
		}
	}()

	log := o.log.With().Str("job", id).Str("command", string(cmd)).Logger()
	log.Info().Str("args", args).Msg("job started")

	var outcome *Outcome
	var err error
	switch cmd {
	case CommandDownload:
		outcome, err = o.runDownload(ctx, workDir, outDir, args)
	case CommandGIF:
		outcome, err = o.runGIF(ctx, workDir, outDir, args)
	case CommandConvert:
		outcome, err = o.runDirectGIF(ctx, workDir, outDir, args)
	case CommandAudio:
		outcome, err = o.runAudio(ctx, workDir, outDir, args)
	default:
		err = &Error{Message: fmt.Sprintf("Unknown command %q.", cmd)}
	}
	if err != nil {
		log.Warn().Err(err).Msg("job failed")
		return nil, err
	}
	log.Info().Int("files", len(outcome.Files)).Msg("job finished")
	return outcome, nil
}

// runDownload fetches the source through the extraction service and routes
// each file by size, with no transcoding.
func (o *Orchestrator) runDownload(ctx context.Context, workDir, outDir, args string) (*Outcome, error) {
	r := params.ParseDownload(args)
	if r.Source == "" {
		return nil, errEmptySource()
	}

	arts, err := o.fetcher.FetchMedia(ctx, workDir, r.Source,
		r.QualityOrDefault(), r.AudioOrDefault(), r.ModeOrDefault())
	if err != nil {
		return nil, wrap(err, UserMessage(err))
	}

	outcome := &Outcome{}
	threshold := o.st.ThresholdMB()
	for _, art := range arts {
		kept, err := o.keep(art, outDir)
		if err != nil {
			return nil, wrap(err, "Cannot store the downloaded file.")
		}
		d, err := o.uploader.Deliver(ctx, kept, kept.SizeMB() > threshold)
		if err != nil {
			return nil, wrap(err, UserMessage(err))
		}
		outcome.Files = append(outcome.Files, fileFromDelivery(d, nil))
	}
	return outcome, nil
}

// runGIF fetches through the extraction service and converts the video to a
// GIF with the two-pass palette pipeline.
func (o *Orchestrator) runGIF(ctx context.Context, workDir, outDir, args string) (*Outcome, error) {
	r := params.ParseGIF(args)
	if r.Source == "" {
		return nil, errEmptySource()
	}

	arts, err := o.fetcher.FetchMedia(ctx, workDir, r.Source,
		r.QualityOrDefault(), r.AudioOrDefault(), r.ModeOrDefault())
	if err != nil {
		return nil, wrap(err, UserMessage(err))
	}

	video, ok := firstVideo(arts)
	if !ok {
		return nil, &Error{Message: "The source did not contain a video to convert."}
	}

	res, err := o.trans.ToGIF(ctx, video, workDir, outDir, transcode.GIFOptions{
		FPS:      r.FPSOrDefault(),
		Scale:    r.ScaleOrDefault(),
		Span:     r.Span,
		Optimize: r.Optimize,
		Speed:    r.SpeedOrDefault(),
	})
	if err != nil {
		return nil, wrap(err, UserMessage(err))
	}
	return o.deliverResult(ctx, res)
}

// runDirectGIF downloads the source URL directly, bypassing the extraction
// service, and converts it in a single pass.
func (o *Orchestrator) runDirectGIF(ctx context.Context, workDir, outDir, args string) (*Outcome, error) {
	r := params.ParseDirect(args)
	if r.Source == "" {
		return nil, errEmptySource()
	}
	if isTwitterHost(r.Source) {
		return nil, &Error{Message: "Twitter/X links need the extraction service; use the gif command instead."}
	}
	if err := fetch.ValidateURL(r.Source); err != nil {
		return nil, wrap(err, UserMessage(err))
	}

	name := media.SanitizeFilename(r.Source)
	if !media.IsVideoFile(name) {
		name += ".mp4"
	}
	video, err := o.fetcher.DownloadDirect(ctx, r.Source, name, "", workDir)
	if err != nil {
		return nil, wrap(err, UserMessage(err))
	}

	res, err := o.trans.ToGIFDirect(ctx, video, workDir, outDir, transcode.GIFOptions{
		FPS:      r.FPSOrDefault(),
		Scale:    r.ScaleOrDefault(),
		Span:     r.Span,
		Optimize: r.Optimize,
		Speed:    r.SpeedOrDefault(),
		Loop:     r.LoopOrDefault(),
		Dither:   r.DitherOrDefault(),
		Colors:   r.ColorsOrDefault(),
	})
	if err != nil {
		return nil, wrap(err, UserMessage(err))
	}
	return o.deliverResult(ctx, res)
}

// runAudio extracts an MP3 track. A source naming an existing local file is
// converted in place; a URL is resolved through the extraction service,
// fetching the full video when a trim is requested and audio-only otherwise.
func (o *Orchestrator) runAudio(ctx context.Context, workDir, outDir, args string) (*Outcome, error) {
	r := params.ParseAudio(args)
	if r.Source == "" {
		return nil, errEmptySource()
	}

	var src media.Artifact
	if info, err := os.Stat(r.Source); err == nil && !info.IsDir() {
		src = media.Artifact{Path: r.Source, Size: info.Size(), Kind: media.KindVideo}
	} else {
		mode := "audio"
		if r.Span != nil {
			// Trimming needs the media itself, not the service's own
			// audio-only extraction.
			mode = r.ModeOrDefault()
		}
		arts, err := o.fetcher.FetchMedia(ctx, workDir, r.Source,
			r.QualityOrDefault(), r.AudioOrDefault(), mode)
		if err != nil {
			return nil, wrap(err, UserMessage(err))
		}
		src = arts[0]
		if src.Kind == media.KindAudio && r.Span == nil {
			kept, err := o.keep(src, outDir)
			if err != nil {
				return nil, wrap(err, "Cannot store the extracted audio.")
			}
			d, err := o.uploader.Deliver(ctx, kept, kept.SizeMB() > o.st.ThresholdMB())
			if err != nil {
				return nil, wrap(err, UserMessage(err))
			}
			return &Outcome{Files: []OutputFile{fileFromDelivery(d, nil)}}, nil
		}
	}

	res, err := o.trans.ToMP3(ctx, src, workDir, outDir, transcode.AudioOptions{Span: r.Span})
	if err != nil {
		return nil, wrap(err, UserMessage(err))
	}
	return o.deliverResult(ctx, res)
}

func (o *Orchestrator) deliverResult(ctx context.Context, res *transcode.Result) (*Outcome, error) {
	d, err := o.uploader.Deliver(ctx, res.Artifact, res.UploadRequired)
	if err != nil {
		return nil, wrap(err, UserMessage(err))
	}
	return &Outcome{Files: []OutputFile{fileFromDelivery(d, res.OriginalSizeMB)}}, nil
}

// keep moves an artifact out of the working directory into the output
// directory so it survives cleanup.
func (o *Orchestrator) keep(art media.Artifact, outDir string) (media.Artifact, error) {
	dest := filepath.Join(outDir, filepath.Base(art.Path))
	if dest == art.Path {
		return art, nil
	}
	if err := os.Rename(art.Path, dest); err != nil {
		return media.Artifact{}, err
	}
	art.Path = dest
	return art, nil
}

func fileFromDelivery(d *deliver.Delivery, originalMB *float64) OutputFile {
	return OutputFile{
		Path:           d.Artifact.Path,
		SizeMB:         d.Artifact.SizeMB(),
		OriginalSizeMB: originalMB,
		URL:            d.URL,
		Uploaded:       d.Uploaded,
		Expiry:         d.Expiry,
	}
}

func firstVideo(arts []media.Artifact) (media.Artifact, bool) {
	for _, a := range arts {
		if a.Kind == media.KindVideo {
			return a, true
		}
	}
	return media.Artifact{}, false
}

// isTwitterHost reports whether source points at Twitter/X, whose media is
// only reachable through the extraction service.
func isTwitterHost(source string) bool {
	u, err := url.Parse(source)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, blocked := range []string{"twitter.com", "x.com"} {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return true
		}
	}
	return false
}
