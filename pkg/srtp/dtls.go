// DTLS-SRTP keying material handling.
// The exporter label and key block layout follow RFC 5764 Section 4.2.

package srtp

import "fmt"

// ExporterLabel is the TLS keying material exporter label for DTLS-SRTP, to
// be passed to ExportKeyingMaterial on the DTLS connection state.
const ExporterLabel = "EXTRACTOR-dtls_srtp"

// KeyingMaterial is the DTLS-SRTP exporter output split into per-direction
// master keys and salts. The client protects the packets it sends with the
// client key and salt, the server with the server pair.
type KeyingMaterial struct {
	ClientKey  []byte
	ServerKey  []byte
	ClientSalt []byte
	ServerSalt []byte
}

// ExporterLength returns how many exporter output bytes the suite needs:
// two master keys followed by two master salts.
func ExporterLength(suite Suite) int {
	return 2*suite.KeyLength() + 2*suite.SaltLength()
}

// SplitKeyingMaterial splits raw exporter output into the RFC 5764
// Section 4.2 layout: client key, server key, client salt, server salt.
func SplitKeyingMaterial(suite Suite, material []byte) (*KeyingMaterial, error) {
	if !suite.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSuite, int(suite))
	}
	if len(material) != ExporterLength(suite) {
		return nil, fmt.Errorf("%w: suite %s needs %d bytes of keying material, got %d",
			ErrKeyLengthMismatch, suite, ExporterLength(suite), len(material))
	}

	keyLen, saltLen := suite.KeyLength(), suite.SaltLength()
	km := &KeyingMaterial{}
	km.ClientKey, material = material[:keyLen], material[keyLen:]
	km.ServerKey, material = material[:keyLen], material[keyLen:]
	km.ClientSalt, material = material[:saltLen], material[saltLen:]
	km.ServerSalt = material[:saltLen]
	return km, nil
}

// ContextPair builds the send and receive contexts for one side of a
// DTLS-SRTP session from exporter output. A client sends with the client
// key pair and receives with the server pair; a server the reverse.
func ContextPair(suite Suite, material []byte, client bool) (send, recv *Context, err error) {
	km, err := SplitKeyingMaterial(suite, material)
	if err != nil {
		return nil, nil, err
	}

	localKey, localSalt := km.ClientKey, km.ClientSalt
	remoteKey, remoteSalt := km.ServerKey, km.ServerSalt
	if !client {
		localKey, localSalt = km.ServerKey, km.ServerSalt
		remoteKey, remoteSalt = km.ClientKey, km.ClientSalt
	}

	if send, err = NewContext(suite, localKey, localSalt); err != nil {
		return nil, nil, err
	}
	if recv, err = NewContext(suite, remoteKey, remoteSalt); err != nil {
		return nil, nil, err
	}
	return send, recv, nil
}
