package srtp

import (
	"bytes"
	"crypto/aes"
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

// Key derivation test vectors from RFC 3711 Appendix B.3. The appendix
// derives a 94-byte authentication key; the first 20 bytes are compared
// here, which the keystream prefix property makes equivalent.
func TestDeriveSessionKeysRFC3711Vectors(t *testing.T) {
	masterKey := mustHex(t, "E1F97A0D3E018BE0D64FA32C06DE4139")
	masterSalt := mustHex(t, "0EC675AD498AFEEBB6960B3AABE6")

	keys, err := deriveSessionKeys(suiteRegistry[SuiteAESCM128HMACSHA1_80], masterKey, masterSalt)
	if err != nil {
		t.Fatalf("deriveSessionKeys failed: %v", err)
	}

	wantCipherKey := mustHex(t, "C61E7A93744F39EE10734AFE3FF7A087")
	if !bytes.Equal(keys.srtpKey, wantCipherKey) {
		t.Errorf("srtp cipher key = %x, want %x", keys.srtpKey, wantCipherKey)
	}

	wantCipherSalt := mustHex(t, "30CBBC08863D8C85D49DB34A9AE1")
	if !bytes.Equal(keys.srtpSalt, wantCipherSalt) {
		t.Errorf("srtp cipher salt = %x, want %x", keys.srtpSalt, wantCipherSalt)
	}

	wantAuthKey := mustHex(t, "CEBE321F6FF7716B6FD4AB49AF256A156D38BAA4")
	if !bytes.Equal(keys.srtpAuth, wantAuthKey) {
		t.Errorf("srtp auth key = %x, want %x", keys.srtpAuth, wantAuthKey)
	}
}

func TestDeriveSessionKeysDeterministic(t *testing.T) {
	masterKey := mustHex(t, "E1F97A0D3E018BE0D64FA32C06DE4139")
	masterSalt := mustHex(t, "0EC675AD498AFEEBB6960B3AABE6")
	params := suiteRegistry[SuiteAESCM128HMACSHA1_80]

	first, err := deriveSessionKeys(params, masterKey, masterSalt)
	if err != nil {
		t.Fatalf("first derivation failed: %v", err)
	}
	second, err := deriveSessionKeys(params, masterKey, masterSalt)
	if err != nil {
		t.Fatalf("second derivation failed: %v", err)
	}

	pairs := []struct {
		name string
		a, b []byte
	}{
		{"srtpKey", first.srtpKey, second.srtpKey},
		{"srtpAuth", first.srtpAuth, second.srtpAuth},
		{"srtpSalt", first.srtpSalt, second.srtpSalt},
		{"srtcpKey", first.srtcpKey, second.srtcpKey},
		{"srtcpAuth", first.srtcpAuth, second.srtcpAuth},
		{"srtcpSalt", first.srtcpSalt, second.srtcpSalt},
	}
	for _, p := range pairs {
		if !bytes.Equal(p.a, p.b) {
			t.Errorf("%s differs between derivations: %x vs %x", p.name, p.a, p.b)
		}
	}
}

func TestDeriveSessionKeysIndependent(t *testing.T) {
	masterKey := mustHex(t, "E1F97A0D3E018BE0D64FA32C06DE4139")
	masterSalt := mustHex(t, "0EC675AD498AFEEBB6960B3AABE6")

	keys, err := deriveSessionKeys(suiteRegistry[SuiteAESCM128HMACSHA1_80], masterKey, masterSalt)
	if err != nil {
		t.Fatalf("deriveSessionKeys failed: %v", err)
	}

	// The six labels must yield pairwise distinct keys, and none may equal
	// the master material it was derived from.
	derived := map[string][]byte{
		"srtpKey":   keys.srtpKey,
		"srtpAuth":  keys.srtpAuth,
		"srtpSalt":  keys.srtpSalt,
		"srtcpKey":  keys.srtcpKey,
		"srtcpAuth": keys.srtcpAuth,
		"srtcpSalt": keys.srtcpSalt,
	}
	for name, key := range derived {
		if len(key) == 0 {
			t.Errorf("%s is empty", name)
		}
		if bytes.HasPrefix(key, masterKey) || bytes.HasPrefix(masterKey, key) {
			t.Errorf("%s matches the master key", name)
		}
		for other, otherKey := range derived {
			if name == other || len(key) != len(otherKey) {
				continue
			}
			if name < other && bytes.Equal(key, otherKey) {
				t.Errorf("%s and %s derived identical keys", name, other)
			}
		}
	}
}

// AES-CM keystream test vectors from RFC 3711 Appendix B.2: session key
// 2B7E..4F3C with salt F0F1..FD, SSRC 0 and index 0 must produce the listed
// keystream segments.
func TestAESCMKeystreamRFC3711Vectors(t *testing.T) {
	sessionKey := mustHex(t, "2B7E151628AED2A6ABF7158809CF4F3C")
	sessionSalt := mustHex(t, "F0F1F2F3F4F5F6F7F8F9FAFBFCFD")
	wantKeystream := mustHex(t,
		"E03EAD0935C95E80E166B16DD92B4EB4"+
			"D23513162B02D0F72A43A2FE4A5F97AB"+
			"41E95B3BB0A2E8DD477901E4FCA894C0")

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		t.Fatalf("aes.NewCipher failed: %v", err)
	}

	got := make([]byte, len(wantKeystream))
	xorKeystream(block, sessionSalt, 0, 0, got)
	if !bytes.Equal(got, wantKeystream) {
		t.Errorf("keystream = %x, want %x", got, wantKeystream)
	}
}

func TestDeriveKeyZeroLength(t *testing.T) {
	block, err := aes.NewCipher(make([]byte, 16))
	if err != nil {
		t.Fatalf("aes.NewCipher failed: %v", err)
	}
	if got := deriveKey(block, make([]byte, 14), labelSRTPEncryption, 0); got != nil {
		t.Errorf("deriveKey with zero length = %x, want nil", got)
	}
}
