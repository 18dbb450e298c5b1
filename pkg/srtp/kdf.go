// Session key derivation.
// This implements the AES-CM key derivation function from RFC 3711 Section 4.3.

package srtp

import (
	"crypto/aes"
	"crypto/cipher"
)

// Key derivation labels from RFC 3711 Section 4.3.2. Each label selects one
// of the six session keys derived from the master key and salt.
const (
	labelSRTPEncryption  = 0x00
	labelSRTPAuth        = 0x01
	labelSRTPSalt        = 0x02
	labelSRTCPEncryption = 0x03
	labelSRTCPAuth       = 0x04
	labelSRTCPSalt       = 0x05
)

// sessionKeys holds the six keys derived from one master key/salt pair.
// Derivation happens once at context construction and the fields are treated
// as immutable afterwards.
type sessionKeys struct {
	srtpKey   []byte
	srtpAuth  []byte
	srtpSalt  []byte
	srtcpKey  []byte
	srtcpAuth []byte
	srtcpSalt []byte
}

// deriveSessionKeys runs the RFC 3711 KDF with a zero key derivation rate:
// the same master material always yields the same session keys.
func deriveSessionKeys(params suiteParams, masterKey, masterSalt []byte) (*sessionKeys, error) {
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	return &sessionKeys{
		srtpKey:   deriveKey(block, masterSalt, labelSRTPEncryption, params.keyLen),
		srtpAuth:  deriveKey(block, masterSalt, labelSRTPAuth, params.authKeyLen),
		srtpSalt:  deriveKey(block, masterSalt, labelSRTPSalt, params.saltLen),
		srtcpKey:  deriveKey(block, masterSalt, labelSRTCPEncryption, params.keyLen),
		srtcpAuth: deriveKey(block, masterSalt, labelSRTCPAuth, params.authKeyLen),
		srtcpSalt: deriveKey(block, masterSalt, labelSRTCPSalt, params.saltLen),
	}, nil
}

// deriveKey generates length bytes of the RFC 3711 Section 4.3.3 PRF output
// for one label. The PRF is the AES-CM keystream under the master key with
// IV = (master_salt XOR key_id) * 2^16, where key_id is the label followed
// by the packet index divided by the key derivation rate, always zero here.
func deriveKey(block cipher.Block, masterSalt []byte, label byte, length int) []byte {
	if length == 0 {
		return nil
	}
	var iv [aes.BlockSize]byte
	copy(iv[:], masterSalt)
	// key_id is right-aligned against the 112-bit salt, which puts the label
	// in byte 7 and the 48-bit index portion in bytes 8..13.
	iv[7] ^= label

	out := make([]byte, length)
	cipher.NewCTR(block, iv[:]).XORKeyStream(out, out)
	return out
}
