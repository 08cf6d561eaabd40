// Package upload stores files attached to room messages on the local disk
// and serves them back.
package upload

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	ErrNoFile         = errors.New("no file in request")
	ErrTooLarge       = errors.New("file is too large")
	ErrTypeNotAllowed = errors.New("file type is not allowed")
)

// formField is the multipart field that carries the file.
const formField = "file"

// FileInfo describes a stored file. It has the shape of a message
// attachment.
type FileInfo struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

type Store struct {
	dir     string
	baseURL string
	maxSize int64
	// allowed holds mime type prefixes. Empty allows everything.
	allowed []string
}

type Option func(*Store)

// WithAllowedTypes restricts uploads to mime types starting with one of
// the prefixes, e.g. "audio/" or "image/png".
func WithAllowedTypes(prefixes ...string) Option {
	return func(s *Store) {
		s.allowed = prefixes
	}
}

// NewStore creates dir if needed. Files are published under baseURL.
func NewStore(dir, baseURL string, maxSize int64, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	s := &Store{
		dir:     dir,
		baseURL: "/" + strings.Trim(baseURL, "/"),
		maxSize: maxSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) BaseURL() string {
	return s.baseURL
}

// Save stores the file of a multipart upload request.
func (s *Store) Save(w http.ResponseWriter, r *http.Request) (FileInfo, error) {
	// leave room for the multipart framing
	r.Body = http.MaxBytesReader(w, r.Body, s.maxSize+1<<20)

	file, header, err := r.FormFile(formField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return FileInfo{}, ErrTooLarge
		case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
			return FileInfo{}, ErrNoFile
		default:
			return FileInfo{}, fmt.Errorf("read upload: %w", err)
		}
	}
	defer file.Close()

	return s.SaveReader(header.Filename, file)
}

// SaveReader stores the content of r under a generated name. name is the
// name the file is presented with.
func (s *Store) SaveReader(name string, r io.Reader) (FileInfo, error) {
	mtype, err := mimetype.DetectReader(r)
	if err != nil {
		return FileInfo{}, fmt.Errorf("detect mime type: %w", err)
	}
	if !s.allows(mtype.String()) {
		return FileInfo{}, ErrTypeNotAllowed
	}
	// DetectReader consumed the header, seek back when possible.
	seeker, ok := r.(io.Seeker)
	if !ok {
		return FileInfo{}, fmt.Errorf("upload source must be seekable")
	}
	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return FileInfo{}, fmt.Errorf("rewind upload: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return FileInfo{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(r, s.maxSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return FileInfo{}, fmt.Errorf("write upload: %w", err)
	}
	if n > s.maxSize {
		return FileInfo{}, ErrTooLarge
	}

	stored := uuid.NewString() + mtype.Extension()
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, stored)); err != nil {
		return FileInfo{}, fmt.Errorf("store upload: %w", err)
	}

	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		name = stored
	}
	return FileInfo{
		URL:      path.Join(s.baseURL, stored),
		Name:     name,
		Size:     n,
		MimeType: mtype.String(),
	}, nil
}

func (s *Store) allows(mime string) bool {
	if len(s.allowed) == 0 {
		return true
	}
	for _, prefix := range s.allowed {
		if strings.HasPrefix(mime, prefix) {
			return true
		}
	}
	return false
}

// Handler serves the stored files under the base url.
func (s *Store) Handler() http.Handler {
	return http.StripPrefix(s.baseURL, http.FileServer(http.Dir(s.dir)))
}
