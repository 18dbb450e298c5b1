// SRTP packet protection and verification.
// Packet transforms follow RFC 3711 Sections 3.1 and 3.3; the AES-CM
// keystream and IV construction follow Section 4.1.1.

package srtp

import (
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/pion/rtp"
)

// ProtectedPacket is the outcome of protecting one RTP packet. The tag is
// kept separate from the transformed packet so the caller stays in control
// of the wire layout; Marshal assembles the standard order of header,
// ciphertext and tag.
type ProtectedPacket struct {
	Header  rtp.Header
	Payload []byte // encrypted payload, identical to the input for SuiteNull
	Tag     []byte // truncated authentication tag, empty for SuiteNull
}

// Marshal assembles the packet into SRTP wire format: the header followed by
// the encrypted payload followed by the authentication tag.
func (p *ProtectedPacket) Marshal() ([]byte, error) {
	header, err := p.Header.Marshal()
	if err != nil {
		return nil, fmt.Errorf("srtp: marshal rtp header: %w", err)
	}
	wire := make([]byte, 0, len(header)+len(p.Payload)+len(p.Tag))
	wire = append(wire, header...)
	wire = append(wire, p.Payload...)
	wire = append(wire, p.Tag...)
	return wire, nil
}

// Protect encrypts and authenticates one outbound RTP packet. The rollover
// counter of the packet's SSRC stream advances as sequence numbers wrap, and
// the tag covers header, ciphertext and rollover counter. The input packet
// is not modified.
func (c *Context) Protect(pkt *rtp.Packet) (*ProtectedPacket, error) {
	header, err := pkt.Header.Marshal()
	if err != nil {
		return nil, fmt.Errorf("srtp: marshal rtp header: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stream := c.stream(pkt.SSRC)
	roc, index := stream.estimate(pkt.SequenceNumber)

	payload := make([]byte, len(pkt.Payload))
	copy(payload, pkt.Payload)
	if c.params.encrypt {
		xorKeystream(c.srtpBlock, c.keys.srtpSalt, pkt.SSRC, index, payload)
	}

	var tag []byte
	if c.params.auth {
		tag = authTag(c.srtpHMAC, roc, c.params.tagLen, header, payload)
	}

	stream.commit(pkt.SequenceNumber, roc)

	return &ProtectedPacket{Header: pkt.Header, Payload: payload, Tag: tag}, nil
}

// ProtectRTP protects pkt and returns the assembled wire bytes.
func (c *Context) ProtectRTP(pkt *rtp.Packet) ([]byte, error) {
	protected, err := c.Protect(pkt)
	if err != nil {
		return nil, err
	}
	return protected.Marshal()
}

// UnprotectRTP verifies and decrypts one inbound SRTP packet. The tag is
// checked in constant time before anything else is trusted: a single flipped
// bit anywhere in the packet or tag yields ErrAuthenticationFailed, and an
// index already accepted (or fallen behind the replay window) yields
// ErrReplayedPacket. Stream state is only advanced after verification, so a
// rejected packet leaves the context unchanged.
func (c *Context) UnprotectRTP(wire []byte) (*rtp.Packet, error) {
	var header rtp.Header
	n, err := header.Unmarshal(wire)
	if err != nil {
		return nil, fmt.Errorf("srtp: parse rtp header: %w", err)
	}
	if len(wire) < n+c.params.tagLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(wire))
	}
	body := wire[:len(wire)-c.params.tagLen]
	tag := wire[len(wire)-c.params.tagLen:]

	c.mu.Lock()
	defer c.mu.Unlock()

	stream := c.stream(header.SSRC)
	roc, index := stream.estimate(header.SequenceNumber)

	if c.params.auth {
		expected := authTag(c.srtpHMAC, roc, c.params.tagLen, body)
		if subtle.ConstantTimeCompare(expected, tag) != 1 {
			return nil, ErrAuthenticationFailed
		}
		if !stream.replay.check(index) {
			return nil, ErrReplayedPacket
		}
	}

	payload := make([]byte, len(body)-n)
	copy(payload, body[n:])
	if c.params.encrypt {
		xorKeystream(c.srtpBlock, c.keys.srtpSalt, header.SSRC, index, payload)
	}

	stream.commit(header.SequenceNumber, roc)
	if c.params.auth {
		stream.replay.accept(index)
	}

	return &rtp.Packet{Header: header, Payload: payload}, nil
}

// xorKeystream applies the AES-CM keystream for one packet in place, with
// IV = (session_salt * 2^16) XOR (SSRC * 2^64) XOR (index * 2^16) per
// RFC 3711 Section 4.1.1. For SRTCP the 31-bit SRTCP index takes the place
// of the packet index.
func xorKeystream(block cipher.Block, salt []byte, ssrc uint32, index uint64, buf []byte) {
	var iv [16]byte
	copy(iv[:], salt)
	iv[4] ^= byte(ssrc >> 24)
	iv[5] ^= byte(ssrc >> 16)
	iv[6] ^= byte(ssrc >> 8)
	iv[7] ^= byte(ssrc)
	iv[8] ^= byte(index >> 40)
	iv[9] ^= byte(index >> 32)
	iv[10] ^= byte(index >> 24)
	iv[11] ^= byte(index >> 16)
	iv[12] ^= byte(index >> 8)
	iv[13] ^= byte(index)
	cipher.NewCTR(block, iv[:]).XORKeyStream(buf, buf)
}

// authTag computes a truncated HMAC-SHA1 over the given byte sections
// followed by a 32-bit big-endian trailer: the rollover counter for SRTP
// (RFC 3711 Section 4.2) or the E-flag and index word for SRTCP
// (Section 3.4). Callers hold c.mu, which serializes use of the shared hash.
func authTag(mac hash.Hash, trailer uint32, tagLen int, sections ...[]byte) []byte {
	mac.Reset()
	for _, section := range sections {
		mac.Write(section)
	}
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], trailer)
	mac.Write(word[:])
	return mac.Sum(nil)[:tagLen]
}
