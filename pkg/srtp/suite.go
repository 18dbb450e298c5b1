// SRTP crypto suite definitions and parameters.
// Suite names and key geometry follow RFC 4568 Section 6.2 and RFC 3711 Section 8.2.

package srtp

import (
	"errors"
	"fmt"
)

// ErrUnknownSuite is returned when a crypto suite is not recognized.
var ErrUnknownSuite = errors.New("srtp: unknown crypto suite")

// Suite identifies an SRTP crypto suite: the cipher, the authentication
// transform and their key geometry.
type Suite int

const (
	// SuiteAESCM128HMACSHA1_80 is AES_CM_128_HMAC_SHA1_80 (RFC 4568
	// Section 6.2.1): AES-128 counter mode encryption with an 80-bit
	// HMAC-SHA1 authentication tag.
	SuiteAESCM128HMACSHA1_80 Suite = iota

	// SuiteAESCM128HMACSHA1_32 is AES_CM_128_HMAC_SHA1_32 (RFC 4568
	// Section 6.2.2): the same cipher with the tag truncated to 32 bits.
	SuiteAESCM128HMACSHA1_32

	// SuiteNull is the NULL_NULL pass-through suite: no encryption and no
	// authentication, packets round-trip unchanged. It is an explicit
	// configuration for loopback testing and for media paths where
	// protection is negotiated off, not an error state.
	SuiteNull
)

// suiteParams describes the geometry of one suite. All lengths are in bytes.
type suiteParams struct {
	name       string // crypto-suite name used in SDP a=crypto lines
	keyLen     int    // master and session encryption key length
	saltLen    int    // master and session salt length
	authKeyLen int    // session authentication key length
	tagLen     int    // truncated authentication tag length
	encrypt    bool
	auth       bool
}

var suiteRegistry = map[Suite]suiteParams{
	SuiteAESCM128HMACSHA1_80: {
		name:       "AES_CM_128_HMAC_SHA1_80",
		keyLen:     16,
		saltLen:    14,
		authKeyLen: 20,
		tagLen:     10,
		encrypt:    true,
		auth:       true,
	},
	SuiteAESCM128HMACSHA1_32: {
		name:       "AES_CM_128_HMAC_SHA1_32",
		keyLen:     16,
		saltLen:    14,
		authKeyLen: 20,
		tagLen:     4,
		encrypt:    true,
		auth:       true,
	},
	SuiteNull: {
		name: "NULL_NULL",
	},
}

// String returns the RFC 4568 crypto-suite name.
func (s Suite) String() string {
	if p, ok := suiteRegistry[s]; ok {
		return p.name
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

// KeyLength returns the master key length in bytes.
func (s Suite) KeyLength() int { return suiteRegistry[s].keyLen }

// SaltLength returns the master salt length in bytes.
func (s Suite) SaltLength() int { return suiteRegistry[s].saltLen }

// TagLength returns the authentication tag length in bytes.
func (s Suite) TagLength() int { return suiteRegistry[s].tagLen }

// Encrypts reports whether the suite applies payload encryption.
func (s Suite) Encrypts() bool { return suiteRegistry[s].encrypt }

// Authenticates reports whether the suite computes authentication tags.
func (s Suite) Authenticates() bool { return suiteRegistry[s].auth }

func (s Suite) valid() bool {
	_, ok := suiteRegistry[s]
	return ok
}

// SuiteFromName resolves an RFC 4568 crypto-suite name such as
// "AES_CM_128_HMAC_SHA1_80" to a Suite.
func SuiteFromName(name string) (Suite, error) {
	for s, p := range suiteRegistry {
		if p.name == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSuite, name)
}
