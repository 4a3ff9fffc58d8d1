// clipforge/deliver/deliver.go
package deliver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"clipforge/config"
	"clipforge/media"
	"clipforge/settings"
)

// Kind is the closed enumeration of delivery failure causes.
type Kind int

const (
	KindNetwork Kind = iota
	KindRejected
	KindReadFile
)

type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindNetwork
}

// Delivery is the routing outcome for a finished artifact: either the local
// file stands on its own, or it was pushed to the fallback host.
type Delivery struct {
	Artifact media.Artifact
	URL      string
	Uploaded bool
	Expiry   string
}

// Uploader pushes oversized artifacts to the litterbox-style fallback host.
type Uploader struct {
	cfg    *config.Config
	st     *settings.Store
	client *http.Client
	log    zerolog.Logger
}

func New(cfg *config.Config, st *settings.Store, log zerolog.Logger) *Uploader {
	return &Uploader{
		cfg:    cfg,
		st:     st,
		client: &http.Client{Timeout: cfg.UploadTimeout},
		log:    log.With().Str("component", "deliver").Logger(),
	}
}

// Deliver routes an artifact: under-threshold files stay local, oversized
// ones go to the fallback host. The upload gets exactly one attempt; a
// failed upload fails the delivery.
func (u *Uploader) Deliver(ctx context.Context, art media.Artifact, uploadRequired bool) (*Delivery, error) {
	if !uploadRequired {
		return &Delivery{Artifact: art}, nil
	}

	expiry := u.st.Expiry()
	url, err := u.Upload(ctx, art, expiry)
	if err != nil {
		return nil, err
	}
	return &Delivery{Artifact: art, URL: url, Uploaded: true, Expiry: expiry}, nil
}

// Upload posts the artifact as a multipart form and returns the hosted URL.
// Anything that does not look like an https URL is treated as a host-side
// rejection, since the host reports errors as plain-text bodies with 200s.
func (u *Uploader) Upload(ctx context.Context, art media.Artifact, expiry string) (string, error) {
	f, err := os.Open(art.Path)
	if err != nil {
		return "", &Error{Kind: KindReadFile, msg: "cannot open artifact for upload", err: err}
	}
	defer f.Close()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("fileToUpload", filepath.Base(art.Path))
	if err != nil {
		return "", &Error{Kind: KindReadFile, msg: "cannot build upload form", err: err}
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", &Error{Kind: KindReadFile, msg: "cannot read artifact for upload", err: err}
	}
	form.WriteField("reqtype", "fileupload")
	form.WriteField("time", expiry)
	if err := form.Close(); err != nil {
		return "", &Error{Kind: KindReadFile, msg: "cannot finalize upload form", err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.LitterboxEndpoint, &body)
	if err != nil {
		return "", &Error{Kind: KindNetwork, msg: "cannot build upload request", err: err}
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	u.log.Info().Str("file", art.Path).Str("expiry", expiry).
		Float64("size_mb", art.SizeMB()).Msg("uploading to fallback host")

	resp, err := u.client.Do(req)
	if err != nil {
		return "", &Error{Kind: KindNetwork, msg: "fallback host unreachable", err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", &Error{Kind: KindNetwork, msg: "cannot read upload response", err: err}
	}
	answer := strings.TrimSpace(string(raw))

	if resp.StatusCode != http.StatusOK {
		return "", &Error{Kind: KindRejected, msg: fmt.Sprintf(
			"fallback host returned status %d", resp.StatusCode)}
	}
	if !strings.HasPrefix(answer, "https://") {
		return "", &Error{Kind: KindRejected, msg: fmt.Sprintf(
			"fallback host rejected the upload: %q", truncate(answer, 200))}
	}

	u.log.Info().Str("url", answer).Msg("upload complete")
	return answer, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
