// Package fetch pulls vendor datasets over a trailing range of days, split
// into vendor-legal windows, with a fallback to the backfill protocol when
// the upload protocol refuses the request.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/btouchard/stride/internal/config"
	"github.com/btouchard/stride/internal/errs"
	"github.com/btouchard/stride/internal/resilience"
	"github.com/btouchard/stride/internal/vendor"
)

// Dataset names a vendor summary collection.
type Dataset string

const (
	Sleeps     Dataset = "sleeps"
	Activities Dataset = "activities"
)

// ParseDataset validates a dataset name.
func ParseDataset(s string) (Dataset, error) {
	switch d := Dataset(strings.ToLower(strings.TrimSpace(s))); d {
	case Sleeps, Activities:
		return d, nil
	}
	return "", errs.Validation("unknown dataset %q", s)
}

// Source tells which protocol produced a batch.
type Source string

const (
	SourceUpload   Source = "upload"
	SourceBackfill Source = "backfill"
)

// Puller issues authenticated data API requests.
type Puller interface {
	Pull(ctx context.Context, accessToken, path string, query url.Values) (*vendor.Response, error)
}

// Config controls windowing and protocol selection.
type Config struct {
	UploadPath         string
	BackfillPath       string
	DefaultDays        int
	MaxDays            int
	MaxWindowSeconds   int64
	RequestTimeout     time.Duration
	FallbackSignatures []string
}

// ConfigFrom assembles a Config from the application configuration.
func ConfigFrom(v config.VendorConfig, s config.SyncConfig) Config {
	return Config{
		UploadPath:         v.UploadPath,
		BackfillPath:       v.BackfillPath,
		DefaultDays:        s.DefaultDays,
		MaxDays:            s.MaxDays,
		MaxWindowSeconds:   s.MaxWindowSeconds,
		RequestTimeout:     s.RequestTimeout,
		FallbackSignatures: s.FallbackSignatures,
	}
}

// Progress reports one completed window.
type Progress struct {
	Dataset Dataset
	Source  Source
	Window  Window
	Index   int // 1-based
	Total   int
	Records int
}

// Request describes one fetch.
type Request struct {
	Dataset Dataset
	Days    int
	// OnWindow, when set, is called after every successful window.
	OnWindow func(Progress)
	// OnFallback, when set, is called when the upload protocol is abandoned.
	OnFallback func(primaryBody string)
}

// Batch is the deduplicated result of a fetch. All records come from a
// single protocol.
type Batch struct {
	Dataset    Dataset
	Source     Source
	Days       int
	Windows    []Window
	Records    []Record
	Duplicates int
	// Cursor is the end of the last window.
	Cursor time.Time
}

// Fetcher retrieves datasets window by window.
type Fetcher struct {
	puller Puller
	cfg    Config
	exec   *resilience.Executor
	now    func() time.Time
	logger *slog.Logger
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// WithExecutor retries each window pull under e. The default executor uses
// resilience.DefaultPolicy without a breaker.
func WithExecutor(e *resilience.Executor) Option {
	return func(f *Fetcher) { f.exec = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// New creates a Fetcher.
func New(p Puller, cfg Config, opts ...Option) *Fetcher {
	if cfg.UploadPath == "" {
		cfg.UploadPath = "/upload/{dataset}"
	}
	if cfg.BackfillPath == "" {
		cfg.BackfillPath = "/backfill/{dataset}"
	}
	if cfg.MaxWindowSeconds < 1 {
		cfg.MaxWindowSeconds = DayWindowSeconds
	}
	f := &Fetcher{
		puller: p,
		cfg:    cfg,
		exec:   resilience.NewExecutor(resilience.DefaultPolicy()),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// fallbackSignal means the upload protocol refused a window in a way the
// backfill protocol can serve.
type fallbackSignal struct {
	window Window
	body   string
}

func (f *fallbackSignal) Error() string {
	return fmt.Sprintf("upload protocol refused window %d-%d", f.window.Start, f.window.End)
}

// Fetch retrieves req.Dataset over the trailing req.Days. The result is all
// or nothing: any failure discards every window already fetched.
func (f *Fetcher) Fetch(ctx context.Context, accessToken string, req Request) (*Batch, error) {
	if _, err := ParseDataset(string(req.Dataset)); err != nil {
		return nil, err
	}
	days := ClampDays(req.Days, f.cfg.DefaultDays, f.cfg.MaxDays)
	windows := PlanWindows(f.now(), days, f.cfg.MaxWindowSeconds)

	source := SourceUpload
	records, err := f.run(ctx, accessToken, req, SourceUpload, windows)

	var signal *fallbackSignal
	if errors.As(err, &signal) {
		f.logger.Info("switching to backfill protocol",
			"dataset", req.Dataset, "window_start", signal.window.Start, "window_end", signal.window.End)
		if req.OnFallback != nil {
			req.OnFallback(signal.body)
		}

		source = SourceBackfill
		records, err = f.run(ctx, accessToken, req, SourceBackfill, windows)
		if err != nil && !errors.Is(err, errs.ErrReauthRequired) && ctx.Err() == nil {
			err = exhausted(req.Dataset, signal.body, err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", req.Dataset, err)
	}

	deduped, dropped := Dedupe(records)
	if dropped > 0 {
		f.logger.Debug("dropped duplicate records", "dataset", req.Dataset, "count", dropped)
	}

	return &Batch{
		Dataset:    req.Dataset,
		Source:     source,
		Days:       days,
		Windows:    windows,
		Records:    deduped,
		Duplicates: dropped,
		Cursor:     time.Unix(windows[len(windows)-1].End, 0).UTC(),
	}, nil
}

func (f *Fetcher) run(ctx context.Context, accessToken string, req Request, source Source, windows []Window) ([]Record, error) {
	path := f.cfg.UploadPath
	startParam, endParam := "uploadStartTimeInSeconds", "uploadEndTimeInSeconds"
	if source == SourceBackfill {
		path = f.cfg.BackfillPath
		startParam, endParam = "summaryStartTimeInSeconds", "summaryEndTimeInSeconds"
	}
	path = strings.ReplaceAll(path, "{dataset}", string(req.Dataset))

	var all []Record
	for i, w := range windows {
		query := url.Values{
			startParam: {strconv.FormatInt(w.Start, 10)},
			endParam:   {strconv.FormatInt(w.End, 10)},
		}
		resp, err := f.pullWindow(ctx, accessToken, path, query, req.Dataset, source)
		if err != nil {
			return nil, err
		}

		records, isArray := decodeArray(resp.Body)
		if resp.OK() && isArray {
			for _, r := range records {
				if r != nil {
					all = append(all, r)
				}
			}
			if req.OnWindow != nil {
				req.OnWindow(Progress{
					Dataset: req.Dataset,
					Source:  source,
					Window:  w,
					Index:   i + 1,
					Total:   len(windows),
					Records: len(records),
				})
			}
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized {
			return nil, &errs.VendorError{
				Op:         "pull " + string(req.Dataset),
				StatusCode: resp.StatusCode,
				Body:       truncate(resp.Body),
				Err:        errs.ErrReauthRequired,
			}
		}
		if source == SourceUpload && f.matchesFallback(resp.Body) {
			return nil, &fallbackSignal{window: w, body: truncate(resp.Body)}
		}

		ve := &errs.VendorError{
			Op:         "pull " + string(req.Dataset),
			StatusCode: resp.StatusCode,
			Body:       truncate(resp.Body),
		}
		if resp.OK() {
			ve.Err = errors.New("response is not a JSON array")
		}
		return nil, ve
	}
	return all, nil
}

// pullWindow retries transport failures and 5xx/429 responses. Every other
// response, including a fallback signature on any status, is returned for
// run to classify.
func (f *Fetcher) pullWindow(ctx context.Context, accessToken, path string, query url.Values, ds Dataset, source Source) (*vendor.Response, error) {
	op := "pull " + string(ds)
	var resp *vendor.Response
	out := f.exec.Do(ctx, op, func(ctx context.Context) error {
		r, err := f.pull(ctx, accessToken, path, query)
		if err != nil {
			return err
		}
		retryable := r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= http.StatusInternalServerError
		if retryable && !(source == SourceUpload && f.matchesFallback(r.Body)) {
			return &errs.VendorError{Op: op, StatusCode: r.StatusCode, Body: truncate(r.Body)}
		}
		resp = r
		return nil
	})
	if out.Err != nil {
		return nil, out.Err
	}
	return resp, nil
}

func (f *Fetcher) pull(ctx context.Context, accessToken, path string, query url.Values) (*vendor.Response, error) {
	if f.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.RequestTimeout)
		defer cancel()
	}
	return f.puller.Pull(ctx, accessToken, path, query)
}

func (f *Fetcher) matchesFallback(body []byte) bool {
	for _, sig := range f.cfg.FallbackSignatures {
		if sig != "" && bytes.Contains(body, []byte(sig)) {
			return true
		}
	}
	return false
}

func exhausted(ds Dataset, primaryBody string, err error) error {
	out := &errs.FallbackExhaustedError{Dataset: string(ds), PrimaryBody: primaryBody, Err: err}
	var ve *errs.VendorError
	if errors.As(err, &ve) {
		out.FallbackBody = ve.Body
	}
	return out
}

const maxBodyInError = 2048

func truncate(b []byte) string {
	if len(b) > maxBodyInError {
		return string(b[:maxBodyInError])
	}
	return string(b)
}
