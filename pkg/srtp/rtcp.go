// SRTCP packet protection and verification.
// Wire layout and transforms follow RFC 3711 Section 3.4: everything after
// the first eight octets is encrypted, and an E-flag plus 31-bit SRTCP index
// word is appended between ciphertext and authentication tag.

package srtp

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

const (
	// srtcpHeaderLen covers the fixed RTCP header and the sender SSRC,
	// which stay in the clear.
	srtcpHeaderLen = 8

	// srtcpIndexLen is the size of the appended E-flag and index word.
	srtcpIndexLen = 4

	// srtcpEFlag marks an encrypted SRTCP packet.
	srtcpEFlag = uint32(1) << 31

	// srtcpIndexMask extracts the 31-bit index from the trailing word.
	srtcpIndexMask = srtcpEFlag - 1
)

// ProtectRTCP encrypts and authenticates one outbound RTCP compound packet
// given as raw bytes. Each sender SSRC keeps its own SRTCP index, which is
// appended with the E-flag and covered by the tag together with the packet.
// For SuiteNull the bytes are returned as an unchanged copy.
func (c *Context) ProtectRTCP(raw []byte) ([]byte, error) {
	if len(raw) < srtcpHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(raw))
	}

	out := make([]byte, len(raw), len(raw)+srtcpIndexLen+c.params.tagLen)
	copy(out, raw)
	if !c.params.encrypt && !c.params.auth {
		return out, nil
	}

	ssrc := binary.BigEndian.Uint32(raw[4:srtcpHeaderLen])

	c.mu.Lock()
	defer c.mu.Unlock()

	index := c.rtcpStream(ssrc).nextIndex()

	word := index
	if c.params.encrypt {
		xorKeystream(c.srtcpBlock, c.keys.srtcpSalt, ssrc, uint64(index), out[srtcpHeaderLen:])
		word |= srtcpEFlag
	}

	var wordBytes [srtcpIndexLen]byte
	binary.BigEndian.PutUint32(wordBytes[:], word)
	out = append(out, wordBytes[:]...)

	if c.params.auth {
		out = append(out, authTag(c.srtcpHMAC, word, c.params.tagLen, out[:len(raw)])...)
	}
	return out, nil
}

// UnprotectRTCP verifies and decrypts one inbound SRTCP packet, returning
// the plain RTCP bytes. The tag is checked in constant time before the index
// word is trusted; replay protection runs on the 31-bit SRTCP index. Packets
// sent with the E-flag clear are authenticated but not decrypted, which
// covers peers negotiating unencrypted SRTCP.
func (c *Context) UnprotectRTCP(wire []byte) ([]byte, error) {
	if !c.params.encrypt && !c.params.auth {
		if len(wire) < srtcpHeaderLen {
			return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(wire))
		}
		out := make([]byte, len(wire))
		copy(out, wire)
		return out, nil
	}

	if len(wire) < srtcpHeaderLen+srtcpIndexLen+c.params.tagLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(wire))
	}

	tagStart := len(wire) - c.params.tagLen
	wordStart := tagStart - srtcpIndexLen
	tag := wire[tagStart:]
	word := binary.BigEndian.Uint32(wire[wordStart:tagStart])
	index := word & srtcpIndexMask
	ssrc := binary.BigEndian.Uint32(wire[4:srtcpHeaderLen])

	c.mu.Lock()
	defer c.mu.Unlock()

	stream := c.rtcpStream(ssrc)
	if c.params.auth {
		expected := authTag(c.srtcpHMAC, word, c.params.tagLen, wire[:wordStart])
		if subtle.ConstantTimeCompare(expected, tag) != 1 {
			return nil, ErrAuthenticationFailed
		}
		if !stream.replay.check(uint64(index)) {
			return nil, ErrReplayedPacket
		}
	}

	out := make([]byte, wordStart)
	copy(out, wire[:wordStart])
	if word&srtcpEFlag != 0 {
		xorKeystream(c.srtcpBlock, c.keys.srtcpSalt, ssrc, uint64(index), out[srtcpHeaderLen:])
	}

	if c.params.auth {
		stream.replay.accept(uint64(index))
	}
	return out, nil
}
