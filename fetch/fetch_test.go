// clipforge/fetch/fetch_test.go
package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipforge/config"
	"clipforge/media"
	"clipforge/settings"
)

func testFetcher(t *testing.T) (*Fetcher, *settings.Store) {
	t.Helper()
	cfg := &config.Config{
		ProbeTimeout:    2 * time.Second,
		APITimeout:      2 * time.Second,
		DownloadTimeout: 5 * time.Second,
		MaxInputSize:    10 * 1024 * 1024,
	}
	st, err := settings.Open(filepath.Join(t.TempDir(), "settings"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(cfg, st, zerolog.Nop()), st
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, ValidateURL("https://example.com/clip"))
	assert.NoError(t, ValidateURL("http://localhost:9000/x"))
	assert.Error(t, ValidateURL(""))
	assert.Error(t, ValidateURL("ftp://example.com/clip"))
	assert.Error(t, ValidateURL("not a url"))
}

func TestDownloadDirect(t *testing.T) {
	var gotRange, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		gotReferer = r.Header.Get("Referer")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	f, _ := testFetcher(t)
	dir := t.TempDir()
	art, err := f.DownloadDirect(context.Background(), srv.URL, "clip.mp4", "https://origin.example", dir)
	require.NoError(t, err)

	assert.Equal(t, "bytes=0-", gotRange)
	assert.Equal(t, "https://origin.example", gotReferer)
	assert.Equal(t, int64(11), art.Size)
	assert.Equal(t, media.KindVideo, art.Kind)
	assert.Equal(t, filepath.Join(dir, "clip.mp4"), art.Path)
}

func TestDownloadDirectRetriesWithoutRangeOn403(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte("ok-now"))
	}))
	defer srv.Close()

	f, _ := testFetcher(t)
	art, err := f.DownloadDirect(context.Background(), srv.URL, "clip.mp4", "", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, int64(6), art.Size)
}

func TestDownloadDirectPersistent403(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f, _ := testFetcher(t)
	_, err := f.DownloadDirect(context.Background(), srv.URL, "clip.mp4", "", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, KindForbidden, KindOf(err))
}

func TestDownloadDirectZeroBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f, _ := testFetcher(t)
	_, err := f.DownloadDirect(context.Background(), srv.URL, "clip.mp4", "", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, KindEmptyFile, KindOf(err))
}

func serviceAndFiles(t *testing.T, st *settings.Store, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	require.NoError(t, st.SetServiceURL(srv.URL))
	return srv
}

func TestFetchMediaTunnel(t *testing.T) {
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tunnel-payload"))
	}))
	defer files.Close()

	f, st := testFetcher(t)
	serviceAndFiles(t, st, func(w http.ResponseWriter, r *http.Request) {
		var req serviceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "720", req.VideoQuality)
		assert.Equal(t, "pretty", req.FilenameStyle)
		json.NewEncoder(w).Encode(serviceResponse{
			Status:   "tunnel",
			URL:      files.URL + "/clip.mp4",
			Filename: "clip.mp4",
		})
	})

	arts, err := f.FetchMedia(context.Background(), t.TempDir(), "https://example.com/post", "720", "mp3", "auto")
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, int64(14), arts[0].Size)
	assert.True(t, st.EverConnected())
}

func TestFetchMediaErrorCodeMapping(t *testing.T) {
	f, st := testFetcher(t)
	serviceAndFiles(t, st, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(serviceResponse{
			Status: "error",
			Error:  &serviceError{Code: "error.api.link.private", Message: "nope"},
		})
	})

	_, err := f.FetchMedia(context.Background(), t.TempDir(), "https://example.com/post", "1080", "mp3", "auto")
	require.Error(t, err)
	assert.Equal(t, KindPrivateContent, KindOf(err))
	// Even an error response proves the service is reachable.
	assert.True(t, st.EverConnected())
}

func TestFetchMediaUnknownStatus(t *testing.T) {
	f, st := testFetcher(t)
	serviceAndFiles(t, st, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(serviceResponse{Status: "strange"})
	})

	_, err := f.FetchMedia(context.Background(), t.TempDir(), "https://example.com/post", "1080", "mp3", "auto")
	require.Error(t, err)
	assert.Equal(t, KindUnknownStatus, KindOf(err))
}

func TestFetchMediaPickerPartialFailure(t *testing.T) {
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/item2.jpg" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("picker-item"))
	}))
	defer files.Close()

	f, st := testFetcher(t)
	serviceAndFiles(t, st, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(serviceResponse{
			Status: "picker",
			Picker: []pickerItem{
				{URL: files.URL + "/item1.jpg", Type: "photo"},
				{URL: files.URL + "/item2.jpg", Type: "photo"},
				{URL: files.URL + "/item3.jpg", Type: "photo"},
			},
		})
	})

	arts, err := f.FetchMedia(context.Background(), t.TempDir(), "https://example.com/post", "1080", "mp3", "auto")
	require.NoError(t, err)
	assert.Len(t, arts, 2)
}

func TestFetchMediaPickerAudioLegFailureIsNotFatal(t *testing.T) {
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sound.mp3" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("picker-item"))
	}))
	defer files.Close()

	f, st := testFetcher(t)
	serviceAndFiles(t, st, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(serviceResponse{
			Status: "picker",
			Picker: []pickerItem{{URL: files.URL + "/item1.jpg", Type: "photo"}},
			Audio:  files.URL + "/sound.mp3",
		})
	})

	arts, err := f.FetchMedia(context.Background(), t.TempDir(), "https://example.com/post", "1080", "mp3", "auto")
	require.NoError(t, err)
	assert.Len(t, arts, 1)
}

func TestFetchMediaPickerAllFailed(t *testing.T) {
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer files.Close()

	f, st := testFetcher(t)
	serviceAndFiles(t, st, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(serviceResponse{
			Status: "picker",
			Picker: []pickerItem{{URL: files.URL + "/a.jpg", Type: "photo"}},
		})
	})

	_, err := f.FetchMedia(context.Background(), t.TempDir(), "https://example.com/post", "1080", "mp3", "auto")
	require.Error(t, err)
	assert.Equal(t, KindService, KindOf(err))
}

func TestSetupLatchDistinguishesFailureModes(t *testing.T) {
	f, st := testFetcher(t)
	// Nothing listens here; connections are refused immediately.
	require.NoError(t, st.SetServiceURL("http://127.0.0.1:1"))

	_, err := f.FetchMedia(context.Background(), t.TempDir(), "https://example.com/post", "1080", "mp3", "auto")
	require.Error(t, err)
	assert.Equal(t, KindSetup, KindOf(err))

	// Once any contact has succeeded, the same failure reads as an outage.
	require.NoError(t, st.MarkConnected())
	_, err = f.FetchMedia(context.Background(), t.TempDir(), "https://example.com/post", "1080", "mp3", "auto")
	require.Error(t, err)
	assert.Equal(t, KindConnectivity, KindOf(err))
}

func TestProbe(t *testing.T) {
	f, st := testFetcher(t)
	serviceAndFiles(t, st, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"cobalt":{"version":"10.3","services":["youtube","tiktok"],"durationLimit":10800}}`))
	})

	info, err := f.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.3", info.Version)
	assert.Equal(t, []string{"youtube", "tiktok"}, info.Services)
	assert.Equal(t, int64(10800), info.DurationLimit)
	assert.True(t, st.EverConnected())
}
