package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rabbitdl/rabbit/internal/bitfield"
	"github.com/rabbitdl/rabbit/internal/piece"
	"github.com/rabbitdl/rabbit/internal/retry"
	"github.com/rabbitdl/rabbit/internal/storage"
	"github.com/rabbitdl/rabbit/internal/wire"
)

// Config bundles the timeouts and limits a Session enforces. All fields
// mirror spec.md's numeric constants exactly.
type Config struct {
	ConnectTimeout     time.Duration
	ReadTimeout        time.Duration
	IdleTimeout        time.Duration // 120s inactivity abort
	BitfieldSkipLimit  int           // give up after this many mismatches
	MaxRetries         int           // outer reconnect attempts
	RetryBackoffUnit   time.Duration // linear backoff: unit * attempt
}

// Session drives one peer's handshake, prologue, and download loop
// against a shared piece store, retrying the whole connection up to
// Config.MaxRetries times with linear backoff.
type Session struct {
	addr     string
	infoHash [20]byte
	peerID   [20]byte
	cfg      Config
	store    *storage.Storage
	log      *slog.Logger

	sock *Socket

	peerBitfield bitfield.Bitfield
	isChoked     bool
	blockPending bool
	hasFailed    bool
	currentPiece *piece.Piece

	// remotePeerID is recorded from the handshake reply but never
	// authenticated; the wire protocol has no mechanism to do so.
	remotePeerID [20]byte

	lastActivity time.Time
	terminated   atomic.Bool

	// dialOverride lets tests drive a Session over an in-process
	// net.Pipe instead of a real TCP dial.
	dialOverride func(ctx context.Context) (*Socket, error)
}

// NewSession constructs a Session for one tracker-reported peer address.
func NewSession(addr string, infoHash, peerID [20]byte, cfg Config, store *storage.Storage, log *slog.Logger) *Session {
	return &Session{
		addr:     addr,
		infoHash: infoHash,
		peerID:   peerID,
		cfg:      cfg,
		store:    store,
		log:      log.With("peer", addr),
		isChoked: true,
	}
}

// Terminate signals the session to stop at its next cooperative check
// point and closes the underlying socket if one is open.
func (s *Session) Terminate() {
	s.terminated.Store(true)
	if s.sock != nil {
		s.sock.Close()
	}
}

// Run drives the outer retry wrapper: up to Config.MaxRetries connection
// attempts with linear backoff, stopping early on success or
// termination.
func (s *Session) Run(ctx context.Context) error {
	return retry.Do(ctx, func(ctx context.Context, attempt int) error {
		if s.terminated.Load() {
			return nil
		}
		err := s.runOnce(ctx)
		if err != nil {
			s.hasFailed = true
			s.log.Warn("peer session attempt failed", "attempt", attempt, "error", err.Error())
		}
		return err
	},
		retry.WithMaxAttempts(s.cfg.MaxRetries),
		retry.WithLinearBackoff(s.cfg.RetryBackoffUnit),
		retry.WithRetryIf(func(error) bool { return !s.terminated.Load() }),
	)
}

func (s *Session) runOnce(ctx context.Context) error {
	dial := s.dialOverride
	if dial == nil {
		dial = func(ctx context.Context) (*Socket, error) {
			return Dial(ctx, s.addr, s.cfg.ConnectTimeout)
		}
	}
	sock, err := dial(ctx)
	if err != nil {
		return err
	}
	s.sock = sock
	defer sock.Close()

	remotePeerID, err := sock.Handshake(s.infoHash, s.peerID, s.cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("peer: handshake: %w", err)
	}
	s.remotePeerID = remotePeerID
	s.touch()

	if err := s.prologue(); err != nil {
		return fmt.Errorf("peer: prologue: %w", err)
	}

	return s.mainLoop(ctx)
}

func (s *Session) touch() { s.lastActivity = time.Now() }

// prologue reads one frame (bitfield, unchoke, or anything else
// tolerated), then unconditionally announces interest.
func (s *Session) prologue() error {
	msg, err := s.sock.ReadMessage(s.cfg.ReadTimeout)
	if err != nil {
		return err
	}
	s.touch()

	if !msg.KeepAlive {
		switch msg.ID {
		case wire.MessageBitfield:
			s.peerBitfield = bitfield.FromBytes(msg.Payload).Clone()
		case wire.MessageUnchoke:
			s.isChoked = false
		}
	}

	return s.sock.WriteMessage(wire.NewInterested(), s.cfg.ReadTimeout)
}

// mainLoop implements spec.md §4.5's per-iteration steps: inactivity
// timeout, piece acquisition, block request, and one message dispatch.
func (s *Session) mainLoop(ctx context.Context) error {
	for {
		if s.terminated.Load() {
			s.requeueIncomplete()
			return nil
		}
		if ctx.Err() != nil {
			s.requeueIncomplete()
			return ctx.Err()
		}
		if time.Since(s.lastActivity) > s.cfg.IdleTimeout {
			return s.failWithRequeue(fmt.Errorf("peer: inactivity timeout"))
		}

		if s.currentPiece == nil || s.currentPiece.AllReceived() {
			if err := s.acquirePiece(); err != nil {
				return err
			}
			if s.currentPiece == nil {
				// No piece acquired this round. If the peer lacked every
				// piece tried within the skip limit, give the swarm a
				// moment and try again next round; if the queue was
				// empty, acquirePiece has set terminated and the next
				// iteration returns.
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}

		if !s.isChoked && !s.blockPending {
			if err := s.requestNextBlock(); err != nil {
				return s.failWithRequeue(err)
			}
		}

		if err := s.receiveAndDispatch(); err != nil {
			return s.failWithRequeue(err)
		}
	}
}

// acquirePiece pulls pieces from the store until it finds one the peer's
// bitfield advertises, requeuing any mismatch. The BitfieldSkipLimit
// counter is local to this call: after that many consecutive mismatches
// it gives up for this round only, so the next mainLoop iteration (after
// its brief sleep) tries acquisition again from scratch rather than
// giving up on the peer permanently.
func (s *Session) acquirePiece() error {
	mismatchStreak := 0
	for mismatchStreak < s.cfg.BitfieldSkipLimit {
		p := s.store.NextPiece()
		if p == nil {
			if s.store.QueueEmpty() {
				s.terminated.Store(true)
			}
			return nil
		}

		if len(s.peerBitfield) > 0 && !s.peerBitfield.Has(p.Index) {
			s.store.Requeue(p)
			mismatchStreak++
			continue
		}

		s.currentPiece = p
		return nil
	}
	return nil
}

// requeueIncomplete returns the in-progress piece to the store, if any,
// so a session that stops cooperatively (termination, context
// cancellation) never leaves a piece checked out with nobody working it.
func (s *Session) requeueIncomplete() {
	if s.currentPiece != nil && !s.currentPiece.AllReceived() {
		s.store.Requeue(s.currentPiece)
		s.currentPiece = nil
	}
}

func (s *Session) requestNextBlock() error {
	b := s.currentPiece.FirstMissingBlock()
	if b == nil {
		return nil
	}
	req := wire.NewRequest(uint32(b.PieceIndex), uint32(b.Offset), uint32(b.Length))
	if err := s.sock.WriteMessage(req, s.cfg.ReadTimeout); err != nil {
		return err
	}
	s.blockPending = true
	s.touch()
	return nil
}

// receiveAndDispatch reads one frame and applies spec.md §4.5's
// dispatch table. When a piece message completes the current piece, the
// piece is handed to Storage.PieceProcessed and the current piece is
// cleared.
func (s *Session) receiveAndDispatch() error {
	msg, err := s.sock.ReadMessage(s.cfg.ReadTimeout)
	if err != nil {
		return err
	}
	s.touch()

	if msg.KeepAlive {
		return nil
	}
	if err := wire.ValidatePayloadSize(msg); err != nil {
		return err
	}

	switch msg.ID {
	case wire.MessageChoke:
		s.isChoked = true
		s.blockPending = false
	case wire.MessageUnchoke:
		s.isChoked = false
	case wire.MessageHave:
		idx, err := wire.ParseHave(msg.Payload)
		if err != nil {
			return err
		}
		if len(s.peerBitfield) == 0 {
			s.peerBitfield = bitfield.New(int(idx) + 1)
		}
		s.peerBitfield.Set(int(idx))
	case wire.MessagePiece:
		fields, err := wire.ParsePiece(msg.Payload)
		if err != nil {
			return err
		}
		if s.currentPiece != nil && int(fields.Index) == s.currentPiece.Index {
			s.currentPiece.SaveBlock(int(fields.Begin), fields.Data)
			s.blockPending = false
			if s.currentPiece.AllReceived() {
				if err := s.store.PieceProcessed(s.currentPiece); err != nil {
					return err
				}
				s.currentPiece = nil
			}
		}
	default:
		// bitfield, interested, not-interested, cancel, port: tolerated
		// but not acted on after the prologue.
	}

	return nil
}

// failWithRequeue requeues the in-progress piece, if any, before
// propagating err, so a session failure never silently drops work.
func (s *Session) failWithRequeue(err error) error {
	s.requeueIncomplete()
	return err
}
