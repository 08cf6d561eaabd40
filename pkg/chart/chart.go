// Package chart serves a music chart from a remote source through a
// read-through cache. Concurrent misses share one fetch and a failed
// refresh falls back to the last cached chart.
package chart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrUnavailable is returned when there is neither a cached chart nor a
// reachable source.
var ErrUnavailable = errors.New("chart unavailable")

const maxChartSize = 4 << 20

type Entry struct {
	FetchedAt time.Time       `json:"fetchedAt"`
	Data      json.RawMessage `json:"data"`
}

type Source interface {
	Fetch(ctx context.Context) (json.RawMessage, error)
}

// Cache keeps a single chart entry. Load returns nil without an error
// when nothing is cached.
type Cache interface {
	Load(ctx context.Context) (*Entry, error)
	Store(ctx context.Context, e Entry) error
}

type HTTPSource struct {
	url    string
	client *http.Client
}

func NewHTTPSource(url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{url: url, client: client}
}

func (s *HTTPSource) Fetch(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build chart request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch chart: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch chart: unexpected status %s", res.Status)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxChartSize))
	if err != nil {
		return nil, fmt.Errorf("read chart: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("fetch chart: response is not json")
	}
	return body, nil
}

type Service struct {
	source Source
	cache  Cache
	maxAge time.Duration
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

func NewService(source Source, cache Cache, maxAge time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		source: source,
		cache:  cache,
		maxAge: maxAge,
		logger: logger,
		now:    time.Now,
	}
}

// Get returns the cached chart while it is younger than maxAge and
// refreshes it otherwise.
func (s *Service) Get(ctx context.Context) (Entry, error) {
	cached, err := s.cache.Load(ctx)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("load chart cache: %v", err))
		cached = nil
	}
	if cached != nil && s.now().Sub(cached.FetchedAt) < s.maxAge {
		return *cached, nil
	}

	v, err, _ := s.group.Do("chart", func() (any, error) {
		// the shared fetch must not die with the first caller
		data, err := s.source.Fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		e := Entry{FetchedAt: s.now(), Data: data}
		if err := s.cache.Store(context.WithoutCancel(ctx), e); err != nil {
			s.logger.Warn(fmt.Sprintf("store chart cache: %v", err))
		}
		return e, nil
	})
	if err != nil {
		if cached != nil {
			s.logger.Warn(fmt.Sprintf("serving stale chart: %v", err))
			return *cached, nil
		}
		return Entry{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v.(Entry), nil
}
