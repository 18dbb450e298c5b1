// Package srtp implements the Secure Real-time Transport Protocol (RFC 3711):
// session key derivation from master key material, authenticated encryption
// of RTP and RTCP packets, tag verification and replay protection. Companion
// helpers cover SDP security descriptions (RFC 4568) and DTLS-SRTP keying
// material (RFC 5764), so a context can be built from either key exchange.
package srtp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"errors"
	"fmt"
	"hash"
	"sync"
)

var (
	// ErrKeyLengthMismatch is returned when master key material does not
	// match the suite geometry exactly.
	ErrKeyLengthMismatch = errors.New("srtp: key length mismatch")

	// ErrAuthenticationFailed is returned when a packet fails tag
	// verification. A tampered tag and tampered ciphertext are deliberately
	// indistinguishable through this error.
	ErrAuthenticationFailed = errors.New("srtp: authentication failed")

	// ErrReplayedPacket is returned when a packet index was already accepted
	// or fell behind the replay window.
	ErrReplayedPacket = errors.New("srtp: replayed packet")

	// ErrShortPacket is returned when wire bytes are too short to carry the
	// expected header, index and tag.
	ErrShortPacket = errors.New("srtp: packet too short")
)

// replayWindowSize is the number of packet indices the replay window spans
// below the highest accepted index (RFC 3711 Section 3.3.2 minimum).
const replayWindowSize = 64

// replayWindow is a sliding bitmask over the most recently accepted packet
// indices. The bit at distance d from latest records whether latest-d was
// accepted.
type replayWindow struct {
	latest uint64
	mask   uint64
	seen   bool
}

// check reports whether index may still be accepted: not older than the
// window and not accepted before.
func (w *replayWindow) check(index uint64) bool {
	if !w.seen || index > w.latest {
		return true
	}
	delta := w.latest - index
	if delta >= replayWindowSize {
		return false
	}
	return w.mask&(1<<delta) == 0
}

// accept records index as seen, sliding the window forward when index is a
// new maximum. Shifts of 64 or more clear the mask, which Go defines as zero.
func (w *replayWindow) accept(index uint64) {
	switch {
	case !w.seen:
		w.seen = true
		w.latest = index
		w.mask = 1
	case index > w.latest:
		w.mask = w.mask<<(index-w.latest) | 1
		w.latest = index
	default:
		w.mask |= 1 << (w.latest - index)
	}
}

// srtpStream is the per-SSRC state of an RTP stream: the rollover counter,
// the highest sequence number seen and the replay window.
type srtpStream struct {
	roc        uint32
	highestSeq uint16
	started    bool
	replay     replayWindow
}

// estimate guesses which rollover counter a packet with the given sequence
// number belongs to, following the index estimation of RFC 3711 Appendix A,
// and returns it with the full 48-bit packet index.
func (s *srtpStream) estimate(seq uint16) (roc uint32, index uint64) {
	roc = s.roc
	if s.started {
		if s.highestSeq < 1<<15 {
			if int(seq)-int(s.highestSeq) > 1<<15 {
				roc--
			}
		} else if int(s.highestSeq)-int(seq) > 1<<15 {
			roc++
		}
	}
	return roc, uint64(roc)<<16 | uint64(seq)
}

// commit records seq as processed after a packet passed protection or
// verification, advancing the highest sequence number and rollover counter.
func (s *srtpStream) commit(seq uint16, roc uint32) {
	switch {
	case !s.started:
		s.started = true
		s.roc = roc
		s.highestSeq = seq
	case roc == s.roc && seq > s.highestSeq:
		s.highestSeq = seq
	case roc == s.roc+1:
		s.roc = roc
		s.highestSeq = seq
	}
}

// srtcpStream is the per-SSRC state of an RTCP stream: the outbound SRTCP
// index counter and the inbound replay window.
type srtcpStream struct {
	outIndex uint32
	replay   replayWindow
}

// nextIndex returns the SRTCP index for the next outbound packet and
// advances the counter modulo 2^31.
func (s *srtcpStream) nextIndex() uint32 {
	index := s.outIndex
	s.outIndex = (s.outIndex + 1) & srtcpIndexMask
	return index
}

// Context is one direction of an SRTP session: it protects outbound or
// verifies inbound packets for any number of SSRC streams under a single
// master key. Each direction of a media session uses its own context, as the
// two sides of an SDES or DTLS-SRTP exchange hold distinct master keys.
//
// Session keys are derived once at construction and never change. Per-stream
// rollover counters and replay windows are guarded by an internal mutex, so
// a context is safe for concurrent use.
type Context struct {
	suite  Suite
	params suiteParams
	keys   *sessionKeys

	srtpBlock  cipher.Block
	srtcpBlock cipher.Block

	mu          sync.Mutex
	srtpHMAC    hash.Hash
	srtcpHMAC   hash.Hash
	streams     map[uint32]*srtpStream
	rtcpStreams map[uint32]*srtcpStream
}

// NewContext builds a crypto context from a master key and salt whose
// lengths must match the suite exactly. All six session keys (RTP and RTCP
// encryption, authentication and salting keys) are derived up front; the
// derivation is deterministic, so both ends of an exchange arrive at the
// same session keys from the same master material.
func NewContext(suite Suite, masterKey, masterSalt []byte) (*Context, error) {
	if !suite.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSuite, int(suite))
	}
	params := suiteRegistry[suite]
	if len(masterKey) != params.keyLen {
		return nil, fmt.Errorf("%w: suite %s needs a %d-byte master key, got %d",
			ErrKeyLengthMismatch, suite, params.keyLen, len(masterKey))
	}
	if len(masterSalt) != params.saltLen {
		return nil, fmt.Errorf("%w: suite %s needs a %d-byte master salt, got %d",
			ErrKeyLengthMismatch, suite, params.saltLen, len(masterSalt))
	}

	c := &Context{
		suite:       suite,
		params:      params,
		streams:     make(map[uint32]*srtpStream),
		rtcpStreams: make(map[uint32]*srtcpStream),
	}
	if params.keyLen == 0 {
		// Nothing to derive for a pass-through suite.
		return c, nil
	}

	keys, err := deriveSessionKeys(params, masterKey, masterSalt)
	if err != nil {
		return nil, fmt.Errorf("srtp: derive session keys: %w", err)
	}
	c.keys = keys

	if c.srtpBlock, err = aes.NewCipher(keys.srtpKey); err != nil {
		return nil, fmt.Errorf("srtp: session cipher: %w", err)
	}
	if c.srtcpBlock, err = aes.NewCipher(keys.srtcpKey); err != nil {
		return nil, fmt.Errorf("srtp: session cipher: %w", err)
	}
	c.srtpHMAC = hmac.New(sha1.New, keys.srtpAuth)
	c.srtcpHMAC = hmac.New(sha1.New, keys.srtcpAuth)
	return c, nil
}

// Suite returns the crypto suite the context was built with.
func (c *Context) Suite() Suite {
	return c.suite
}

// stream returns the RTP stream state for an SSRC, creating it on first use.
// Callers hold c.mu.
func (c *Context) stream(ssrc uint32) *srtpStream {
	s, ok := c.streams[ssrc]
	if !ok {
		s = &srtpStream{}
		c.streams[ssrc] = s
	}
	return s
}

// rtcpStream returns the RTCP stream state for an SSRC, creating it on first
// use. Callers hold c.mu.
func (c *Context) rtcpStream(ssrc uint32) *srtcpStream {
	s, ok := c.rtcpStreams[ssrc]
	if !ok {
		s = &srtcpStream{}
		c.rtcpStreams[ssrc] = s
	}
	return s
}
