package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"

	"github.com/ponytojas/arrivalboard/internal/arrivals"
)

type FeedType string

const (
	NumberedFeed FeedType = ""
	BlueFeed     FeedType = "-ace"
	YellowFeed   FeedType = "-nqrw"
	OrangeFeed   FeedType = "-bdfm"
	LFeed        FeedType = "-l"
	GFeed        FeedType = "-g"
	SevenFeed    FeedType = "-7"
	BrownFeed    FeedType = "-jz"
)

const nyctFeedBase = "https://api-endpoint.mta.info/Dataservice/mtagtfsfeeds/nyct%2Fgtfs"

// maxBodyBytes bounds a single feed download; the largest NYCT feed is a few MB.
const maxBodyBytes = 32 << 20

// SubwayFeedURLs returns the NYCT subway feed URLs, which together cover every
// line.
func SubwayFeedURLs() []string {
	types := []FeedType{NumberedFeed, BlueFeed, YellowFeed, OrangeFeed, LFeed, GFeed, SevenFeed, BrownFeed}
	urls := make([]string, len(types))
	for i, ft := range types {
		urls[i] = nyctFeedBase + string(ft)
	}
	return urls
}

// Client retrieves GTFS-realtime trip updates and reduces them to arrival
// events for a single stop. It never retries; callers own the retry policy.
type Client struct {
	httpClient *http.Client
	apiKey     string
	urls       []string
}

type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Timeouts should be set on the
// context passed to Fetch rather than on the client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(apiKey string, urls []string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		apiKey:     apiKey,
		urls:       append([]string(nil), urls...),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch downloads every configured feed concurrently and returns the arrival
// events for stop. Any single feed failing fails the whole outcome.
func (c *Client) Fetch(ctx context.Context, stop arrivals.StopID) Outcome {
	if stop == "" {
		return Failure(Invalid, errors.New("empty stop id"))
	}
	if len(c.urls) == 0 {
		return Failure(Invalid, errors.New("no feed urls configured"))
	}

	perFeed := make([][]arrivals.Event, len(c.urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, url := range c.urls {
		i, url := i, url
		g.Go(func() error {
			msg, err := c.fetchFeed(gctx, url)
			if err != nil {
				return err
			}
			perFeed[i] = EventsForStop(msg, stop)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var fe *Error
		if errors.As(err, &fe) {
			return Outcome{Failure: fe}
		}
		return Failure(Network, err)
	}

	var events []arrivals.Event
	for _, evs := range perFeed {
		events = append(events, evs...)
	}
	return Success(events)
}

func (c *Client) fetchFeed(ctx context.Context, url string) (*gtfsrt.FeedMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Kind: Invalid, Err: fmt.Errorf("unable to build request: %w", err)}
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(fmt.Errorf("unable to get feed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, transportError(fmt.Errorf("unable to read feed: %w", err))
	}
	if len(body) > maxBodyBytes {
		return nil, &Error{Kind: Malformed, Err: fmt.Errorf("feed %s exceeds %d bytes", url, maxBodyBytes)}
	}

	msg, err := decode(body)
	if err != nil {
		return nil, &Error{Kind: Malformed, Err: fmt.Errorf("unable to parse feed %s: %w", url, err)}
	}
	return msg, nil
}

// decode never lets a decoder panic escape; a corrupt payload is just an error.
func decode(b []byte) (msg *gtfsrt.FeedMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg, err = nil, fmt.Errorf("decoder panic: %v", r)
		}
	}()
	var fm gtfsrt.FeedMessage
	if err := proto.Unmarshal(b, &fm); err != nil {
		return nil, err
	}
	return &fm, nil
}

func statusError(code int, url string) *Error {
	err := fmt.Errorf("HTTP %d from %s", code, url)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &Error{Kind: Auth, Err: err}
	case code == http.StatusTooManyRequests:
		return &Error{Kind: RateLimited, Err: err}
	default:
		return &Error{Kind: Upstream, Err: err}
	}
}

func transportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Err: err}
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return &Error{Kind: Timeout, Err: err}
	}
	return &Error{Kind: Network, Err: err}
}
