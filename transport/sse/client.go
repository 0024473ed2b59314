package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/synckit"
)

type Client struct {
	BaseURL string
	Client  *http.Client
	Logger  *slog.Logger
	// Backoff spaces reconnection attempts. It resets after every
	// successful connection.
	Backoff synckit.ExponentialBackoff
}

// NewClient creates a new SSE client
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  httpClient,
		Logger:  slog.Default().With("component", logging.Component(component)),
		Backoff: synckit.ExponentialBackoff{
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
		},
	}
}

// Subscribe streams journal batches after cursor from to handler until ctx
// is done or handler fails. Dropped connections are re-established from the
// last cursor handled. It returns ctx.Err() on cancellation.
func (c *Client) Subscribe(ctx context.Context, from int64, handler func(Batch) error) error {
	cur := from
	attempt := 0
	for {
		connected, err := c.stream(ctx, &cur, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var he *handlerError
		if errors.As(err, &he) {
			return syncErrors.WrapOpComponent(he.err, syncErrors.OpTransport, component)
		}
		if connected {
			attempt = 0
		}

		delay := c.Backoff.NextDelay(attempt)
		attempt++
		c.Logger.Debug("Reconnecting to journal stream",
			slog.Int64("cursor", cur),
			slog.Duration("delay", delay),
			slog.Any("error", err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type handlerError struct{ err error }

func (e *handlerError) Error() string { return "handler: " + e.err.Error() }

// stream runs one connection. connected reports whether the server accepted
// the request.
func (c *Client) stream(ctx context.Context, cur *int64, handler func(Batch) error) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"?cursor="+strconv.FormatInt(*cur, 10), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("journal stream returned status %d", resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 10<<20) // allow large lines
	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		var batch Batch
		if err := json.Unmarshal(bytes.TrimPrefix(line, []byte("data: ")), &batch); err != nil {
			return true, syncErrors.NewValidationError(syncErrors.OpTransport, fmt.Errorf("decode payload: %w", err))
		}
		if err := handler(batch); err != nil {
			return true, &handlerError{err: err}
		}
		if batch.Next > *cur {
			*cur = batch.Next
		}
	}
	if err := sc.Err(); err != nil {
		return true, err
	}
	return true, errors.New("journal stream closed")
}
