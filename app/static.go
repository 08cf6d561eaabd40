package vocalroom

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strings"
)

// webClient serves a built single page client. Unknown paths fall back to
// index.html so that client side routes resolve, and every file carries a
// content hash etag.
type webClient struct {
	fsys     fs.FS
	etags    map[string]string
	fallback string
}

func newWebClient(fsys fs.FS) (*webClient, error) {
	const fallback = "index.html"
	if _, err := fs.Stat(fsys, fallback); err != nil {
		return nil, fmt.Errorf("web client: %w", err)
	}

	etags := make(map[string]string)
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		f, err := fsys.Open(p)
		if err != nil {
			return fmt.Errorf("opening %s: %w", p, err)
		}
		defer f.Close()
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return fmt.Errorf("hashing %s: %w", p, err)
		}
		etags[p] = `"` + hex.EncodeToString(h.Sum(nil)[:16]) + `"`
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &webClient{
		fsys:     fsys,
		etags:    etags,
		fallback: fallback,
	}, nil
}

func (c *webClient) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(r.URL.Path, "/")
	if p == "" {
		p = c.fallback
	}
	etag, ok := c.etags[p]
	if !ok {
		p = c.fallback
		etag = c.etags[p]
	}

	if etag != "" && r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Etag", etag)
	// always revalidate against the etag
	w.Header().Set("Cache-Control", "no-cache")

	f, err := c.fsys.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	rs, ok := f.(io.ReadSeeker)
	if !ok {
		io.Copy(w, f)
		return
	}
	http.ServeContent(w, r, p, stat.ModTime(), rs)
}
