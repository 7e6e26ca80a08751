package tracker

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rabbitdl/rabbit/internal/bencode"
	"github.com/rabbitdl/rabbit/internal/bytecodec"
)

// AnnounceParams carries the client state an announce reports to a
// tracker.
type AnnounceParams struct {
	InfoHash   [bytecodec.HashSize]byte
	PeerID     [bytecodec.HashSize]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// FailureError reports a tracker-returned "failure reason". Retrying
// the same tracker after one is never useful, unlike a transport-level
// timeout or connection error.
type FailureError struct {
	Reason string
}

func (e *FailureError) Error() string { return fmt.Sprintf("tracker: failure: %s", e.Reason) }

// AnnounceResponse is the tracker's reply: a refresh interval and a
// list of swarm peers.
type AnnounceResponse struct {
	Interval int64
	Peers    []Peer
}

// HTTPTracker announces to an HTTP(S) tracker using the compact peer
// protocol.
type HTTPTracker struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// NewHTTPTracker returns a client for the given announce URL, tuned with
// the connect/total timeout pair spec.md §6 specifies.
func NewHTTPTracker(announceURL string, connectTimeout, totalTimeout time.Duration, log *slog.Logger) *HTTPTracker {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &HTTPTracker{
		baseURL: announceURL,
		client: &http.Client{
			Timeout: totalTimeout,
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
		},
		log: log,
	}
}

func (t *HTTPTracker) Announce(params AnnounceParams) (*AnnounceResponse, error) {
	u, err := t.buildAnnounceURL(params)
	if err != nil {
		return nil, err
	}

	t.log.Debug("tracker announce starting", "url", t.baseURL)
	resp, err := t.client.Get(u)
	if err != nil {
		return nil, fmt.Errorf("tracker: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: http status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("tracker: read response: %w", err)
	}

	out, err := t.parseAnnounceResponse(body)
	if err != nil {
		return nil, err
	}
	t.log.Debug("tracker announce finished", "peers", len(out.Peers))
	return out, nil
}

func (t *HTTPTracker) buildAnnounceURL(p AnnounceParams) (string, error) {
	base, err := url.Parse(t.baseURL)
	if err != nil {
		return "", fmt.Errorf("tracker: invalid announce url: %w", err)
	}

	q := base.Query()
	q.Set("info_hash", string(p.InfoHash[:]))
	q.Set("peer_id", string(p.PeerID[:]))
	q.Set("port", strconv.Itoa(int(p.Port)))
	q.Set("uploaded", strconv.FormatInt(p.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(p.Downloaded, 10))
	q.Set("left", strconv.FormatInt(p.Left, 10))
	q.Set("compact", "1")
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (t *HTTPTracker) parseAnnounceResponse(body []byte) (*AnnounceResponse, error) {
	decoded, err := bencode.Unmarshal(body)
	if err != nil {
		return nil, fmt.Errorf("tracker: decode response: %w", err)
	}

	dict, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: response is not a dictionary")
	}

	if reason, ok := dict["failure reason"].(string); ok && reason != "" {
		return nil, &FailureError{Reason: reason}
	}

	interval, _ := dict["interval"].(int64)

	peers, err := decodePeers(dict["peers"])
	if err != nil {
		return nil, err
	}

	return &AnnounceResponse{Interval: interval, Peers: peers}, nil
}
