// Package tokenizer talks to the tokenizer service that converts between text
// and token ids.
package tokenizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
)

// ErrUnavailable is returned once every attempt of a call has failed.
var ErrUnavailable = errors.New("tokenizer service unavailable")

type Options struct {
	URL string
	// BOS prepends the begin-of-sequence id to every encoding, EOS appends
	// the end-of-sequence id.
	BOS, EOS bool
	// StopTokens end generation in addition to the EOS id.
	StopTokens []int
	// Attempts is the number of tries per call. Values below one mean one.
	Attempts int
	Backoff  time.Duration
	// Timeout bounds each attempt when HTTPClient is nil.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is an HTTP tokenizer client. It is safe for concurrent use.
type Client struct {
	base     *url.URL
	http     *http.Client
	bos, eos bool
	bosID    int
	eosID    int
	stop     map[int]bool
	attempts int
	backoff  time.Duration
	log      *logger.Logger
}

type bosResponse struct {
	BOSID int `json:"bos_id"`
}

type eosResponse struct {
	EOSID int `json:"eos_id"`
}

type encodeRequest struct {
	Text      string `json:"text"`
	ImgPrompt bool   `json:"img_prompt"`
}

type encodeResponse struct {
	TokenIDs []int `json:"token_ids"`
}

type decodeRequest struct {
	TokenIDs []int `json:"token_ids"`
}

type decodeResponse struct {
	Text string `json:"text"`
}

// New connects to the service and fetches its special token ids.
func New(ctx context.Context, opts Options) (*Client, error) {
	base, err := url.Parse(opts.URL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid tokenizer url %q", opts.URL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	c := &Client{
		base:     base,
		http:     hc,
		bos:      opts.BOS,
		eos:      opts.EOS,
		stop:     make(map[int]bool),
		attempts: max(1, opts.Attempts),
		backoff:  opts.Backoff,
		log:      logger.Log.With("component", "tokenizer"),
	}
	for _, id := range opts.StopTokens {
		c.stop[id] = true
	}

	var bos bosResponse
	if err := c.call(ctx, http.MethodGet, "/bos_id", nil, &bos); err != nil {
		return nil, err
	}
	var eos eosResponse
	if err := c.call(ctx, http.MethodGet, "/eos_id", nil, &eos); err != nil {
		return nil, err
	}
	c.bosID, c.eosID = bos.BOSID, eos.EOSID
	c.log.Info("tokenizer connected", "url", opts.URL, "bos_id", c.bosID, "eos_id", c.eosID)
	return c, nil
}

func (c *Client) BOSID() int { return c.bosID }

func (c *Client) EOSID() int { return c.eosID }

// IsEnd reports whether id terminates generation.
func (c *Client) IsEnd(id int) bool {
	return id == c.eosID || c.stop[id]
}

// Encode converts text to ids. imagePrompt asks the service to insert the
// vision placeholder tokens.
func (c *Client) Encode(ctx context.Context, text string, imagePrompt bool) ([]int, error) {
	var resp encodeResponse
	if err := c.call(ctx, http.MethodPost, "/encode", encodeRequest{Text: text, ImgPrompt: imagePrompt}, &resp); err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(resp.TokenIDs)+2)
	if c.bos {
		ids = append(ids, c.bosID)
	}
	ids = append(ids, resp.TokenIDs...)
	if c.eos {
		ids = append(ids, c.eosID)
	}
	return ids, nil
}

func (c *Client) Decode(ctx context.Context, ids []int) (string, error) {
	if ids == nil {
		ids = []int{}
	}
	var resp decodeResponse
	if err := c.call(ctx, http.MethodPost, "/decode", decodeRequest{TokenIDs: ids}, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

// call performs one request with bounded retries. Transport errors, non-200
// statuses and undecodable bodies are all retried.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	var last error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			metrics.RecordTokenizerRetry(path)
			c.log.Warn("tokenizer call failed, retrying", "path", path, "attempt", attempt, "error", last)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff):
			}
		}
		last = c.do(ctx, method, path, payload, out)
		if last == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %s %s after %d attempts: %v", ErrUnavailable, method, path, c.attempts, last)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
