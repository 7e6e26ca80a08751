// Package tracker implements TrackerClient: HTTP compact-peer announces,
// UDP BEP-15 announces, a static UDP fallback list, and BEP-12 tier
// iteration across a torrent's announce-list.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/rabbitdl/rabbit/internal/config"
	"github.com/rabbitdl/rabbit/internal/retry"
)

// Client announces to a torrent's tracker(s) and returns swarm peers.
// It tries the primary announce URL first, then any announce-list
// tiers in order; a UDP announce additionally falls back to the static
// backup list in FallbackTrackers if every tier fails.
type Client struct {
	announce     string
	announceList [][]string
	log          *slog.Logger
	cfg          config.Config
}

func NewClient(announce string, announceList [][]string, log *slog.Logger) *Client {
	return &Client{
		announce:     announce,
		announceList: announceList,
		log:          log,
		cfg:          config.Load(),
	}
}

// Announce tries the primary announce URL, then each announce-list tier
// in order, returning the first response with a non-empty peer list.
func (c *Client) Announce(params AnnounceParams) (*AnnounceResponse, error) {
	urls := c.orderedURLs()

	var lastErr error
	for _, u := range urls {
		resp, err := c.announceOne(u, params)
		if err != nil {
			lastErr = err
			c.log.Warn("tracker announce attempt failed", "url", u, "error", err.Error())
			continue
		}
		if len(resp.Peers) == 0 {
			continue
		}
		return resp, nil
	}

	if isUDP(c.announce) {
		if resp, err := c.announceFallbacks(params); err == nil {
			return resp, nil
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("tracker: no tracker returned peers")
	}
	return nil, lastErr
}

func (c *Client) orderedURLs() []string {
	urls := []string{c.announce}
	for _, tier := range c.announceList {
		urls = append(urls, tier...)
	}
	return urls
}

func (c *Client) announceFallbacks(params AnnounceParams) (*AnnounceResponse, error) {
	for _, fb := range FallbackTrackers {
		resp, err := c.announceOne(fb, params)
		if err != nil {
			c.log.Warn("fallback tracker failed", "url", fb, "error", err.Error())
			continue
		}
		if len(resp.Peers) > 0 {
			return resp, nil
		}
	}
	return nil, fmt.Errorf("tracker: all fallback trackers exhausted")
}

// announceOne dispatches rawURL to the HTTP or UDP transport and retries
// the call, with linear backoff, up to Config.TrackerMaxRetries times.
// A *FailureError (the tracker actively rejected the request) is never
// retried — only transport-level errors are, since retrying the same
// tracker after an explicit failure reason can't change the outcome.
func (c *Client) announceOne(rawURL string, params AnnounceParams) (*AnnounceResponse, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid url %q: %w", rawURL, err)
	}

	var transport func() (*AnnounceResponse, error)
	switch u.Scheme {
	case "http", "https":
		t := NewHTTPTracker(rawURL, c.cfg.HTTPConnectTimeout, c.cfg.HTTPTotalTimeout, c.log)
		transport = func() (*AnnounceResponse, error) { return t.Announce(params) }
	case "udp":
		t := NewUDPTracker(u.Host, c.cfg.UDPTimeout, c.log)
		transport = func() (*AnnounceResponse, error) { return t.Announce(params) }
	default:
		return nil, fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}

	var resp *AnnounceResponse
	err = retry.Do(context.Background(), func(ctx context.Context, attempt int) error {
		var attemptErr error
		resp, attemptErr = transport()
		return attemptErr
	},
		retry.WithMaxAttempts(c.cfg.TrackerMaxRetries),
		retry.WithLinearBackoff(time.Second),
		retry.WithRetryIf(func(err error) bool {
			var failure *FailureError
			return !errors.As(err, &failure)
		}),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func isUDP(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && u.Scheme == "udp"
}
