// clipforge/fetch/fetch.go
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"clipforge/config"
	"clipforge/media"
	"clipforge/settings"
)

const (
	userAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	downloadChunk = 8 * 1024
	filenameStyle = "pretty"
)

// Service error codes the extraction API is known to return.
const (
	codeLinkInvalid     = "error.api.link.invalid"
	codeLinkUnsupported = "error.api.link.unsupported"
	codeLinkPrivate     = "error.api.link.private"
)

// Fetcher retrieves source media, either directly over HTTP or through a
// cobalt-compatible extraction service.
type Fetcher struct {
	cfg    *config.Config
	st     *settings.Store
	client *http.Client
	log    zerolog.Logger
}

func New(cfg *config.Config, st *settings.Store, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		cfg:    cfg,
		st:     st,
		client: &http.Client{},
		log:    log.With().Str("component", "fetch").Logger(),
	}
}

type serviceRequest struct {
	URL           string `json:"url"`
	VideoQuality  string `json:"videoQuality"`
	AudioFormat   string `json:"audioFormat"`
	DownloadMode  string `json:"downloadMode"`
	FilenameStyle string `json:"filenameStyle"`
}

type serviceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type pickerItem struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

type serviceResponse struct {
	Status        string        `json:"status"`
	URL           string        `json:"url"`
	Filename      string        `json:"filename"`
	Picker        []pickerItem  `json:"picker"`
	Audio         string        `json:"audio"`
	AudioFilename string        `json:"audioFilename"`
	Error         *serviceError `json:"error"`
}

// ServiceInfo is the extraction service's self-description, shown by the
// status endpoint.
type ServiceInfo struct {
	Version       string   `json:"version"`
	Services      []string `json:"services"`
	DurationLimit int64    `json:"durationLimit"`
}

// ValidateURL rejects sources that are not plausible http(s) URLs before
// they reach the service.
func ValidateURL(raw string) error {
	if raw == "" {
		return newError(KindInvalidLink, "empty URL")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return newError(KindInvalidLink, fmt.Sprintf("invalid URL: %s", raw))
	}
	return nil
}

// DownloadDirect streams url to destDir under the sanitized filename. It
// sends a browser-like header set including a byte-range request and, on a
// 403 with the range header present, retries once without it — some origins
// reject partial-content requests from non-browser clients.
func (f *Fetcher) DownloadDirect(ctx context.Context, rawURL, filename, referer, destDir string) (media.Artifact, error) {
	name := media.SanitizeFilename(filename)
	if name == "" {
		name = "download"
	}
	destPath := filepath.Join(destDir, name)
	f.log.Debug().Str("url", rawURL).Str("dest", destPath).Msg("starting direct download")

	withRange := true
	for attempt := 0; attempt < 2; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, f.cfg.DownloadTimeout)
		art, retry, err := f.downloadOnce(dctx, rawURL, referer, destPath, withRange)
		cancel()
		if err == nil {
			return art, nil
		}
		if retry && attempt == 0 {
			f.log.Warn().Str("url", rawURL).Msg("HTTP 403 received, retrying without Range header")
			withRange = false
			continue
		}
		return media.Artifact{}, err
	}
	return media.Artifact{}, newError(KindForbidden, "access denied while downloading")
}

// downloadOnce performs one GET attempt. retry reports whether dropping the
// Range header is worth a second try.
func (f *Fetcher) downloadOnce(ctx context.Context, rawURL, referer, destPath string, withRange bool) (media.Artifact, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return media.Artifact{}, false, wrapError(KindInvalidLink, "invalid download URL", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if withRange {
		req.Header.Set("Range", "bytes=0-")
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return media.Artifact{}, false, wrapError(KindNetwork, "download request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		// Fall through to the copy below.
	case resp.StatusCode == http.StatusForbidden:
		return media.Artifact{}, withRange, newError(KindForbidden, "download rejected with HTTP 403")
	case resp.StatusCode == http.StatusTooManyRequests:
		return media.Artifact{}, false, newError(KindRateLimited, "download rejected with HTTP 429")
	default:
		return media.Artifact{}, false, newError(KindHTTPStatus,
			fmt.Sprintf("download failed with HTTP %d", resp.StatusCode))
	}

	out, err := os.Create(destPath)
	if err != nil {
		return media.Artifact{}, false, wrapError(KindNetwork, "cannot create output file", err)
	}
	defer out.Close()

	limited := &io.LimitedReader{R: resp.Body, N: f.cfg.MaxInputSize + 1}
	written, err := io.CopyBuffer(out, limited, make([]byte, downloadChunk))
	if err != nil {
		os.Remove(destPath)
		return media.Artifact{}, false, wrapError(KindNetwork, "download interrupted", err)
	}
	if written > f.cfg.MaxInputSize {
		os.Remove(destPath)
		return media.Artifact{}, false, newError(KindTooLarge,
			fmt.Sprintf("input exceeds the %d byte limit", f.cfg.MaxInputSize))
	}
	if written == 0 {
		os.Remove(destPath)
		return media.Artifact{}, false, newError(KindEmptyFile, "downloaded file is 0 bytes")
	}

	f.log.Debug().Int64("bytes", written).Str("dest", destPath).Msg("download completed")
	return media.Artifact{Path: destPath, Size: written, Kind: kindForFilename(destPath)}, false, nil
}

// FetchMedia resolves source through the extraction service and downloads
// every resulting item into destDir. Tunnel and redirect responses yield a
// single artifact; picker responses yield one per surviving item plus an
// optional slideshow audio track.
func (f *Fetcher) FetchMedia(ctx context.Context, destDir, source, quality, audio, mode string) ([]media.Artifact, error) {
	if err := ValidateURL(source); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(serviceRequest{
		URL:           source,
		VideoQuality:  quality,
		AudioFormat:   audio,
		DownloadMode:  mode,
		FilenameStyle: filenameStyle,
	})

	serviceURL := f.st.ServiceURL()
	actx, cancel := context.WithTimeout(ctx, f.cfg.APITimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, serviceURL, bytes.NewReader(payload))
	if err != nil {
		return nil, wrapError(KindInvalidLink, "invalid service URL", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		// Distinguish a never-configured setup from a transient outage.
		if !f.st.EverConnected() {
			return nil, wrapError(KindSetup, "extraction service has never been reached", err)
		}
		return nil, wrapError(KindConnectivity, "cannot reach extraction service", err)
	}
	defer resp.Body.Close()

	// Any response from the service, even an error status, proves the
	// setup works.
	if err := f.st.MarkConnected(); err != nil {
		f.log.Warn().Err(err).Msg("failed to persist connection latch")
	}

	var sr serviceResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, wrapError(KindService, "invalid JSON from extraction service", err)
	}

	switch sr.Status {
	case "error":
		return nil, serviceCodeError(sr.Error)
	case "tunnel", "redirect":
		if sr.URL == "" {
			return nil, newError(KindService, "no download URL in service response")
		}
		name := sr.Filename
		if name == "" {
			name = "download"
		}
		art, err := f.DownloadDirect(ctx, sr.URL, name, source, destDir)
		if err != nil {
			return nil, err
		}
		return []media.Artifact{art}, nil
	case "picker":
		return f.fetchPicker(ctx, destDir, source, &sr)
	default:
		return nil, newError(KindUnknownStatus,
			fmt.Sprintf("unknown response status: %q", sr.Status))
	}
}

// fetchPicker downloads every picker item, continuing past per-item
// failures, and fails only when nothing at all could be obtained. A failure
// on the slideshow audio leg is logged but never fatal.
func (f *Fetcher) fetchPicker(ctx context.Context, destDir, source string, sr *serviceResponse) ([]media.Artifact, error) {
	if len(sr.Picker) == 0 {
		return nil, newError(KindService, "no media items in picker response")
	}
	f.log.Debug().Int("items", len(sr.Picker)).Msg("downloading picker items")

	var artifacts []media.Artifact
	for idx, item := range sr.Picker {
		if item.URL == "" {
			f.log.Warn().Int("item", idx+1).Msg("picker item has no URL")
			continue
		}
		name := fmt.Sprintf("cobalt_%d_%s_%s", idx+1, item.Type, path.Base(item.URL))
		if filepath.Ext(name) == "" {
			switch item.Type {
			case "photo":
				name += ".jpg"
			case "video":
				name += ".mp4"
			case "gif":
				name += ".gif"
			}
		}
		art, err := f.DownloadDirect(ctx, item.URL, name, source, destDir)
		if err != nil {
			f.log.Warn().Int("item", idx+1).Err(err).Msg("picker item download failed")
			continue
		}
		artifacts = append(artifacts, art)
	}

	if sr.Audio != "" {
		name := sr.AudioFilename
		if name == "" {
			name = "audio_" + path.Base(sr.Audio)
		}
		art, err := f.DownloadDirect(ctx, sr.Audio, name, source, destDir)
		if err != nil {
			f.log.Warn().Err(err).Msg("slideshow audio download failed")
		} else {
			art.Kind = media.KindAudio
			artifacts = append(artifacts, art)
		}
	}

	if len(artifacts) == 0 {
		return nil, newError(KindService, "failed to download any items from picker response")
	}
	return artifacts, nil
}

// Probe fetches the service's self-description for the status view and
// feeds the connection latch.
func (f *Fetcher) Probe(ctx context.Context) (*ServiceInfo, error) {
	pctx, cancel := context.WithTimeout(ctx, f.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, f.st.ServiceURL(), nil)
	if err != nil {
		return nil, wrapError(KindInvalidLink, "invalid service URL", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if !f.st.EverConnected() {
			return nil, wrapError(KindSetup, "extraction service has never been reached", err)
		}
		return nil, wrapError(KindConnectivity, "cannot reach extraction service", err)
	}
	defer resp.Body.Close()

	if err := f.st.MarkConnected(); err != nil {
		f.log.Warn().Err(err).Msg("failed to persist connection latch")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, newError(KindHTTPStatus,
			fmt.Sprintf("service returned HTTP %d", resp.StatusCode))
	}

	var body struct {
		Cobalt ServiceInfo `json:"cobalt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, wrapError(KindService, "invalid JSON from extraction service", err)
	}
	return &body.Cobalt, nil
}

func serviceCodeError(se *serviceError) *Error {
	if se == nil {
		return newError(KindService, "service reported an error with no detail")
	}
	switch se.Code {
	case codeLinkInvalid:
		return newError(KindInvalidLink, "service rejected the link as invalid")
	case codeLinkUnsupported:
		return newError(KindUnsupportedSite, "site is not supported by the extraction service")
	case codeLinkPrivate:
		return newError(KindPrivateContent, "content is private or requires authentication")
	default:
		return newError(KindService, fmt.Sprintf("service error: %s - %s", se.Code, se.Message))
	}
}

func kindForFilename(name string) media.Kind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gif":
		return media.KindGIF
	case ".mp3", ".wav", ".ogg", ".opus", ".m4a", ".flac":
		return media.KindAudio
	case ".jpg", ".jpeg", ".png", ".webp":
		return media.KindImage
	default:
		return media.KindVideo
	}
}
