package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	appLog "theatrecal/internal/log"
	"theatrecal/internal/metrics"
)

// FailureKind distinguishes why a page could not be retrieved.
type FailureKind int

const (
	// Unreachable means no connection to the host could be established.
	Unreachable FailureKind = iota
	// NoResponse means the connection was made but no complete response was read.
	NoResponse
)

func (k FailureKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case NoResponse:
		return "no response"
	default:
		return "unknown"
	}
}

// NetworkError is the single failure kind surfaced by a Fetcher.
type NetworkError struct {
	Kind FailureKind
	Err  error
}

func (e *NetworkError) Error() string {
	switch e.Kind {
	case Unreachable:
		return "Network or server is unavailable"
	default:
		return "Could not get server response"
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Page is the raw result of one listing request. A non-200 status is not an
// error at this level.
type Page struct {
	StatusCode int
	// Reason is the protocol reason phrase, e.g. "Not Found".
	Reason string
	Body   []byte
}

// OK reports whether the server answered 200.
func (p Page) OK() bool { return p.StatusCode == http.StatusOK }

// Fetcher retrieves one page of the remote listing.
type Fetcher interface {
	Fetch(ctx context.Context, start int) (Page, error)
}

// Options configures an HTTPFetcher.
type Options struct {
	// BaseURL is scheme and host, e.g. "http://www.operetta.kharkiv.ua".
	BaseURL string
	// PagePath is the listing path, e.g. "/rus/".
	PagePath string
	// PageParam is the query parameter holding the start offset.
	PageParam string
	// Timeout bounds a single request. Zero means 30s.
	Timeout time.Duration
	// Client overrides the HTTP client (tests).
	Client *http.Client
}

// HTTPFetcher performs a plain GET per page. It never retries; a run that
// hits a network failure is over.
type HTTPFetcher struct {
	client *http.Client
	base   *url.URL
	param  string
	cb     *gobreaker.CircuitBreaker[Page]
}

// NewHTTPFetcher validates opts and builds a fetcher.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("fetch: base URL is empty")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("fetch: base URL %q needs scheme and host", opts.BaseURL)
	}
	if opts.PagePath != "" {
		base = base.JoinPath(opts.PagePath)
		// JoinPath drops a trailing slash the server may rely on.
		if strings.HasSuffix(opts.PagePath, "/") && !strings.HasSuffix(base.Path, "/") {
			base.Path += "/"
		}
	}
	if opts.PageParam == "" {
		opts.PageParam = "start"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	f := &HTTPFetcher{
		client: client,
		base:   base,
		param:  opts.PageParam,
	}
	f.cb = gobreaker.NewCircuitBreaker[Page](gobreaker.Settings{
		Name:        "listing",
		MaxRequests: 1,
		Timeout:     5 * time.Minute,
		// Only network failures count; non-200 pages are answers, not outages.
		IsSuccessful: func(err error) bool {
			var ne *NetworkError
			return !errors.As(err, &ne)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			appLog.Warn("listing circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return f, nil
}

// PageURL returns the listing URL for the given start offset.
func (f *HTTPFetcher) PageURL(start int) string {
	u := *f.base
	q := u.Query()
	q.Set(f.param, strconv.Itoa(start))
	u.RawQuery = q.Encode()
	return u.String()
}

// Fetch retrieves the page starting at the given offset.
func (f *HTTPFetcher) Fetch(ctx context.Context, start int) (Page, error) {
	page, err := f.cb.Execute(func() (Page, error) {
		return f.do(ctx, start)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Page{}, &NetworkError{Kind: Unreachable, Err: err}
	}
	return page, err
}

func (f *HTTPFetcher) do(ctx context.Context, start int) (Page, error) {
	target := f.PageURL(start)

	var connected atomic.Bool
	trace := &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) { connected.Store(true) },
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, target, nil)
	if err != nil {
		return Page{}, &NetworkError{Kind: Unreachable, Err: err}
	}

	appLog.Debug("listing fetch start", "url", target)

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.PagesFetched.WithLabelValues("network_error").Inc()
		kind := Unreachable
		if connected.Load() {
			kind = NoResponse
		}
		return Page{}, &NetworkError{Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.PagesFetched.WithLabelValues("network_error").Inc()
		return Page{}, &NetworkError{Kind: NoResponse, Err: err}
	}

	metrics.PagesFetched.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	appLog.Debug("listing fetch done", "url", target, "status", resp.StatusCode, "bytes", len(body))

	return Page{
		StatusCode: resp.StatusCode,
		Reason:     reasonPhrase(resp),
		Body:       body,
	}, nil
}

// reasonPhrase strips the numeric code from resp.Status ("404 Not Found").
func reasonPhrase(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if r := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); r != "" {
		return r
	}
	return http.StatusText(resp.StatusCode)
}
