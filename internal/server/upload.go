package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"io"
	"net/http"
	"nexus-relay/internal/metrics"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MaxUploadSize caps the body of a single upload
const MaxUploadSize = 100 << 20

// uploader stores files for the media references of messages and avatars. The relay never looks
// at file contents, it only forwards the returned URL.
type uploader struct {
	logger    *zap.SugaredLogger
	dir       string
	publicURL string
}

// storedName keeps only the extension of the client file name
func storedName(original string, now time.Time) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(original)))
	if len(ext) > 16 || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	return fmt.Sprintf("%d-%s%s", now.UnixMilli(), uuid.NewString(), ext)
}

// baseURL returns the configured public URL or the one the request was addressed to
func (u *uploader) baseURL(r *http.Request) string {
	if u.publicURL != "" {
		return strings.TrimRight(u.publicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// upload handles HTTP requests on "/upload" endpoint
func (u *uploader) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "File is too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Missing Field \"file\"", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		u.logger.Errorf("creating upload dir: %v", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	name := storedName(header.Filename, time.Now())
	dst, err := os.OpenFile(filepath.Join(u.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		u.logger.Errorf("creating upload file: %v", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		u.logger.Errorf("writing upload file: %v", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if err := dst.Close(); err != nil {
		u.logger.Errorf("closing upload file: %v", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	metrics.Uploads.Inc()

	payload, err := json.Marshal(map[string]string{"url": u.baseURL(r) + "/uploads/" + name})
	if err != nil {
		u.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, err = w.Write(payload)
	if err != nil {
		u.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}

// files serves stored uploads under /uploads/
func (u *uploader) files() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// no directory listings
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		http.StripPrefix("/uploads/", http.FileServer(http.Dir(u.dir))).ServeHTTP(w, r)
	})
}
