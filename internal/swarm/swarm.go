// Package swarm implements SwarmDriver: it spawns one PeerSession per
// tracker-reported peer, supervises their collective progress against
// PieceStorage, and re-announces to the tracker when the swarm stalls.
package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/rabbitdl/rabbit/internal/config"
	"github.com/rabbitdl/rabbit/internal/meta"
	"github.com/rabbitdl/rabbit/internal/peer"
	"github.com/rabbitdl/rabbit/internal/storage"
	"github.com/rabbitdl/rabbit/internal/tracker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Driver downloads a torrent end to end: tracker announce, peer session
// fan-out, stall detection, and outer tracker-retry.
type Driver struct {
	cfg      config.Config
	log      *slog.Logger
	infoHash [20]byte
	peerID   [20]byte
	port     uint16
}

// NewDriver builds a Driver for one torrent download.
func NewDriver(infoHash, peerID [20]byte, port uint16, cfg config.Config, log *slog.Logger) *Driver {
	return &Driver{cfg: cfg, log: log, infoHash: infoHash, peerID: peerID, port: port}
}

// Run drives the full download: it announces to the tracker, fans out
// peer sessions against store, and re-announces on stall, up to
// Config.MaxTrackerRounds attempts, pausing Config.TrackerPause between
// rounds. Returns nil once every piece is saved.
func (d *Driver) Run(ctx context.Context, tf *meta.TorrentFile, store *storage.Storage) error {
	client := tracker.NewClient(tf.Announce, tf.AnnounceList, d.log)

	for round := 1; round <= d.cfg.MaxTrackerRounds; round++ {
		if store.SavedCount() == store.TotalCount() {
			return nil
		}

		peers, err := d.announceRound(client, tf, store)
		if err != nil {
			d.log.Warn("tracker round failed", "round", round, "error", err.Error())
		} else {
			isFinal := round == d.cfg.MaxTrackerRounds
			if err := d.downloadFromPeers(ctx, peers, store, isFinal); err != nil {
				d.log.Warn("swarm round ended", "round", round, "error", err.Error())
			}
		}

		if store.SavedCount() == store.TotalCount() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.TrackerPause):
		}
	}

	if store.SavedCount() != store.TotalCount() {
		return fmt.Errorf("swarm: download incomplete after %d tracker rounds (%d/%d pieces)",
			d.cfg.MaxTrackerRounds, store.SavedCount(), store.TotalCount())
	}
	return nil
}

func (d *Driver) announceRound(client *tracker.Client, tf *meta.TorrentFile, store *storage.Storage) ([]tracker.Peer, error) {
	left := tf.Length - int64(store.SavedCount())*tf.PieceLength
	if left < 0 {
		left = 0
	}

	resp, err := client.Announce(tracker.AnnounceParams{
		InfoHash:   d.infoHash,
		PeerID:     d.peerID,
		Port:       d.port,
		Uploaded:   0,
		Downloaded: int64(store.SavedCount()) * tf.PieceLength,
		Left:       left,
	})
	if err != nil {
		return nil, err
	}
	d.log.Info("tracker announce succeeded", "peers", len(resp.Peers), "interval", resp.Interval)
	return resp.Peers, nil
}

// downloadFromPeers spawns one session per peer and supervises their
// collective progress until the torrent completes, the swarm stalls, or
// ctx is cancelled. isFinal tightens the stall thresholds and enables
// force-requeue of stuck-in-flight pieces, mirroring the source
// behavior's "final attempt" handling.
func (d *Driver) downloadFromPeers(ctx context.Context, peers []tracker.Peer, store *storage.Storage, isFinal bool) error {
	if len(peers) == 0 {
		return fmt.Errorf("swarm: no peers")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(d.cfg.MaxOutboundDials))
	sessions := make([]*peer.Session, 0, len(peers))
	sessionCfg := peer.Config{
		ConnectTimeout:    d.cfg.ConnectTimeout,
		ReadTimeout:       d.cfg.ReadTimeout,
		IdleTimeout:       d.cfg.SessionIdleTimeout,
		BitfieldSkipLimit: d.cfg.BitfieldSkipLimit,
		MaxRetries:        d.cfg.SessionMaxRetries,
		RetryBackoffUnit:  d.cfg.SessionRetryUnit,
	}

	g, gctx := errgroup.WithContext(runCtx)
	for _, p := range peers {
		addr := net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
		sess := peer.NewSession(addr, d.infoHash, d.peerID, sessionCfg, store, d.log)
		sessions = append(sessions, sess)

		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			return sess.Run(gctx)
		})
	}

	stallErr := d.superviseProgress(gctx, store, isFinal)

	for _, s := range sessions {
		s.Terminate()
	}
	cancel()
	g.Wait()

	return stallErr
}

// stuckRecheckDelay is how long a non-final round waits, once the queue
// empties with the download still incomplete, before giving up and
// letting the caller re-announce to the tracker for fresh peers.
const stuckRecheckDelay = 5 * time.Second

// superviseProgress polls Storage.SavedCount() on a fixed interval,
// sampling rather than waiting on a completion callback, and returns
// once the torrent completes, the swarm stalls with no progress for the
// configured stall window, or ctx is cancelled. A queue that empties
// while pieces remain unsaved means every remaining piece is checked out
// to a session that isn't finishing it; on the final attempt those
// pieces are forced back into the queue so the same sessions (or a
// fresh round) can pick them up again, matching the source download
// loop's stuck-piece recovery.
func (d *Driver) superviseProgress(ctx context.Context, store *storage.Storage, isFinal bool) error {
	pollInterval := d.cfg.PollInterval
	stallTimeout := d.cfg.StallTimeout
	if isFinal {
		pollInterval = d.cfg.PollIntervalFinal
		stallTimeout = d.cfg.StallTimeoutFinal
	}

	lastSaved := store.SavedCount()
	lastProgress := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}

		saved := store.SavedCount()
		if saved == store.TotalCount() {
			return nil
		}
		if saved > lastSaved {
			lastSaved = saved
			lastProgress = time.Now()
			continue
		}

		if store.QueueEmpty() {
			if isFinal {
				n := store.ForceRequeue()
				d.log.Warn("final attempt: forced stuck in-flight pieces back into queue", "count", n)
				lastProgress = time.Now()
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(stuckRecheckDelay):
			}
			if store.SavedCount() == store.TotalCount() {
				return nil
			}
			if store.QueueEmpty() {
				return fmt.Errorf("swarm: stalled at %d/%d pieces (queue empty, no session completing)", store.SavedCount(), store.TotalCount())
			}
			continue
		}

		if time.Since(lastProgress) > stallTimeout {
			return fmt.Errorf("swarm: stalled at %d/%d pieces", saved, store.TotalCount())
		}
	}
}
