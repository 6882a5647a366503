package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
)

// Frame is one dispatched Server-Sent Events message.
type Frame struct {
	ID    string
	Event string
	Data  string
	// Retry is the reconnection delay the server asked for, 0 when absent.
	Retry time.Duration
}

// FrameReader splits an event stream into frames. Comments are skipped and
// multi-line data is joined with newlines.
type FrameReader struct {
	sc *bufio.Scanner
}

func NewFrameReader(r io.Reader) *FrameReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	return &FrameReader{sc: sc}
}

// Next returns io.EOF once the stream ends without a pending frame.
func (r *FrameReader) Next() (Frame, error) {
	var (
		frame   Frame
		data    []string
		pending bool
	)
	for r.sc.Scan() {
		line := strings.TrimSuffix(r.sc.Text(), "\r")
		if line == "" {
			if !pending {
				continue
			}
			frame.Data = strings.Join(data, "\n")
			return frame, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			frame.ID = value
		case "event":
			frame.Event = value
		case "data":
			data = append(data, value)
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil {
				frame.Retry = time.Duration(ms) * time.Millisecond
			}
		default:
			continue
		}
		pending = true
	}
	if err := r.sc.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

type StreamOptions struct {
	Kinds       []events.Kind
	LastEventID string
}

// Subscription is one open progress stream.
type Subscription struct {
	body   io.ReadCloser
	frames *FrameReader
	lastID string
	retry  time.Duration
}

func (c *Client) Subscribe(ctx context.Context, opts StreamOptions) (*Subscription, error) {
	query := url.Values{}
	if len(opts.Kinds) > 0 {
		kinds := make([]string, len(opts.Kinds))
		for i, k := range opts.Kinds {
			kinds[i] = string(k)
		}
		query.Set("types", strings.Join(kinds, ","))
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/loadtests/events", query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if opts.LastEventID != "" {
		req.Header.Set("Last-Event-ID", opts.LastEventID)
	}

	// The stream outlives any request timeout of the shared client.
	stream := *c.http
	stream.Timeout = 0
	resp, err := stream.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "open stream")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return &Subscription{
		body:   resp.Body,
		frames: NewFrameReader(resp.Body),
		lastID: opts.LastEventID,
	}, nil
}

// Next blocks until the next event. Frames of unknown types are skipped.
func (s *Subscription) Next() (events.Event, error) {
	for {
		frame, err := s.frames.Next()
		if err != nil {
			return nil, err
		}
		if frame.Retry > 0 {
			s.retry = frame.Retry
		}
		if frame.Event == "" || frame.Data == "" {
			continue
		}
		var env events.Envelope
		if err := json.Unmarshal([]byte(frame.Data), &env); err != nil {
			return nil, errors.Wrapf(err, "decode %s frame", frame.Event)
		}
		if !env.Type.Valid() {
			continue
		}
		ev, err := env.Event()
		if err != nil {
			return nil, err
		}
		if frame.ID != "" {
			s.lastID = frame.ID
		}
		return ev, nil
	}
}

func (s *Subscription) LastEventID() string { return s.lastID }

func (s *Subscription) Retry() time.Duration { return s.retry }

func (s *Subscription) Close() error {
	return s.body.Close()
}

// FollowOptions configure a reconnecting stream.
type FollowOptions struct {
	StreamOptions
	// OnConnect runs after every successful (re)connect, before the first
	// event of that connection is handled.
	OnConnect func(ctx context.Context) error
	Logger    *logrus.Entry
}

// Follow keeps a progress stream open until ctx is done or fn fails,
// reconnecting with exponential backoff. Client errors other than rate
// limiting end the loop.
func (c *Client) Follow(ctx context.Context, opts FollowOptions, fn func(events.Event) error) error {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(b, ctx)

	lastID := opts.LastEventID
	connect := func() error {
		sub, err := c.Subscribe(ctx, StreamOptions{Kinds: opts.Kinds, LastEventID: lastID})
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		defer sub.Close()
		b.Reset()

		if opts.OnConnect != nil {
			if err := opts.OnConnect(ctx); err != nil {
				logger.WithError(err).Warn("stream connected without bootstrap")
			}
		}
		for {
			ev, err := sub.Next()
			lastID = sub.LastEventID()
			if retry := sub.Retry(); retry > 0 && retry != b.InitialInterval {
				b.InitialInterval = retry
				b.Reset()
			}
			if err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				if errors.Is(err, io.EOF) {
					err = errors.New("stream closed by server")
				}
				return err
			}
			if err := fn(ev); err != nil {
				return backoff.Permanent(err)
			}
		}
	}
	notify := func(err error, wait time.Duration) {
		logger.WithError(err).WithField("retry_in", wait).Warn("progress stream interrupted")
	}
	return backoff.RetryNotify(connect, policy, notify)
}
