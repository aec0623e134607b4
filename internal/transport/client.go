// Package transport streams captured PCM to the transcription backend over
// HTTP and classifies the ways that can fail.
package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/harkvoice/hark/internal/audio"
	"github.com/harkvoice/hark/internal/errors"
)

// Backend transcribes a finite, single-pass chunk sequence. Implementations
// are injected at startup; nothing reaches for a global.
type Backend interface {
	Transcribe(ctx context.Context, rate int, chunks <-chan audio.Chunk) (string, error)
}

// Client talks to the model server's streaming endpoint.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	healthTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHealthTimeout sets the health probe deadline.
func WithHealthTimeout(d time.Duration) Option {
	return func(c *Client) { c.healthTimeout = d }
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		healthTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// streamHeader is the first line of the request body.
type streamHeader struct {
	Rate int `json:"rate"`
}

// transcribeResponse is the backend's reply. A missing text field means an
// empty transcription, not an error.
type transcribeResponse struct {
	Text string `json:"text"`
}

// Transcribe sends one utterance: a JSON header line carrying the sample
// rate, then the raw little-endian PCM concatenation of every chunk. The body
// length is unknown up front, so the request goes out chunked; the HTTP
// client pulls from the channel only as fast as the network accepts bytes,
// which is the pipeline's backpressure point.
func (c *Client) Transcribe(ctx context.Context, rate int, chunks <-chan audio.Chunk) (string, error) {
	pr, pw := io.Pipe()

	go func() {
		header, _ := json.Marshal(streamHeader{Rate: rate})
		if _, err := pw.Write(append(header, '\n')); err != nil {
			pw.CloseWithError(err)
			return
		}
		for chunk := range chunks {
			if _, err := pw.Write(chunk.Bytes()); err != nil {
				// Request side is gone; the producer unwinds via its context.
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe_stream", pr)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeUnknown, "build request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classify(err, c.baseURL)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", classify(err, c.baseURL)
	}

	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf(errors.CodeBadResponse, "backend returned %s: %s",
			resp.Status, strings.TrimSpace(string(body)))
	}

	var parsed transcribeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", errors.Wrap(err, errors.CodeBadResponse, "backend response is not valid JSON")
	}

	text := strings.TrimSpace(parsed.Text)
	slog.Debug("transcription received", "bytes", len(body), "chars", len(text))
	return text, nil
}

// Health probes the backend's health endpoint. 200 means ready; anything
// else, including connection failure, means not running.
func (c *Client) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// classify maps low-level request failures onto the error taxonomy so the
// caller can tell "backend not running" from "backend too slow".
func classify(err error, url string) error {
	switch {
	case stderrors.Is(err, syscall.ECONNREFUSED):
		return errors.Wrapf(err, errors.CodeUnreachable,
			"could not connect to the model server at %s (is it running?)", url)
	case isTimeout(err):
		return errors.Wrap(err, errors.CodeTimeout, "request to model server timed out").
			WithMetadata("url", url)
	default:
		return errors.Wrap(err, errors.CodeUnknown, fmt.Sprintf("request to %s failed", url))
	}
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return stderrors.As(err, &t) && t.Timeout()
}
