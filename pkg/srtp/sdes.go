// SDP security descriptions for SRTP key exchange.
// Attribute grammar follows RFC 4568 Sections 4 and 9.2; the inline key
// parameter carries base64 of the concatenated master key and salt.

package srtp

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// cryptoAttrKey is the SDP attribute name carrying security descriptions.
const cryptoAttrKey = "crypto"

// ErrMalformedCryptoAttribute is returned when an a=crypto line cannot be
// parsed.
var ErrMalformedCryptoAttribute = errors.New("srtp: malformed crypto attribute")

// KeyParams is the decoded inline key parameter of one a=crypto line: the
// master key material plus the optional lifetime and MKI qualifiers.
type KeyParams struct {
	MasterKey  []byte
	MasterSalt []byte

	// Lifetime is the master key lifetime such as "2^20", empty when absent.
	Lifetime string

	// MKI and MKILength describe the master key identifier; MKILength is
	// zero when no MKI was present.
	MKI       uint32
	MKILength int
}

// CryptoAttribute is one SDP a=crypto attribute (RFC 4568 Section 4):
// "a=crypto:<tag> <crypto-suite> <key-params> [<session-params>]".
type CryptoAttribute struct {
	Tag           int
	Suite         Suite
	KeyParams     KeyParams
	SessionParams []string
}

// GenerateCryptoAttribute builds an offer-side attribute with a fresh random
// master key and salt for the suite.
func GenerateCryptoAttribute(tag int, suite Suite) (*CryptoAttribute, error) {
	if !suite.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSuite, int(suite))
	}
	key := make([]byte, suite.KeyLength())
	salt := make([]byte, suite.SaltLength())
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("srtp: generate master key: %w", err)
	}
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("srtp: generate master salt: %w", err)
	}
	return &CryptoAttribute{
		Tag:       tag,
		Suite:     suite,
		KeyParams: KeyParams{MasterKey: key, MasterSalt: salt},
	}, nil
}

// ParseCryptoAttribute parses the value of an a=crypto attribute, e.g.
// "1 AES_CM_128_HMAC_SHA1_80 inline:WVNfX19zZW1jdGwgKCkgewkyMjA7fQp9CnVubGVz|2^20|1:4".
// Key material length is validated against the suite.
func ParseCryptoAttribute(value string) (*CryptoAttribute, error) {
	fields := strings.Fields(value)
	if len(fields) < 3 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedCryptoAttribute, value)
	}

	tag, err := strconv.Atoi(fields[0])
	if err != nil || tag < 0 {
		return nil, fmt.Errorf("%w: bad tag %q", ErrMalformedCryptoAttribute, fields[0])
	}

	suite, err := SuiteFromName(fields[1])
	if err != nil {
		return nil, err
	}

	keyParams, err := parseKeyParams(suite, fields[2])
	if err != nil {
		return nil, err
	}

	return &CryptoAttribute{
		Tag:           tag,
		Suite:         suite,
		KeyParams:     *keyParams,
		SessionParams: fields[3:],
	}, nil
}

func parseKeyParams(suite Suite, param string) (*KeyParams, error) {
	// Several key parameters may be offered separated by commas; the first
	// one is used, matching an answerer that settles on a single key.
	if i := strings.IndexByte(param, ','); i >= 0 {
		param = param[:i]
	}

	const inlinePrefix = "inline:"
	if !strings.HasPrefix(param, inlinePrefix) {
		return nil, fmt.Errorf("%w: key method in %q is not inline", ErrMalformedCryptoAttribute, param)
	}

	parts := strings.Split(param[len(inlinePrefix):], "|")
	material, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		// Padding is optional in SDP key parameters (RFC 4568 Section 6.1).
		material, err = base64.RawStdEncoding.DecodeString(parts[0])
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCryptoAttribute, err)
	}
	if len(material) != suite.KeyLength()+suite.SaltLength() {
		return nil, fmt.Errorf("%w: suite %s needs %d bytes of key material, got %d",
			ErrKeyLengthMismatch, suite, suite.KeyLength()+suite.SaltLength(), len(material))
	}

	kp := &KeyParams{
		MasterKey:  material[:suite.KeyLength()],
		MasterSalt: material[suite.KeyLength():],
	}

	for _, qualifier := range parts[1:] {
		// An MKI qualifier is "<value>:<length>"; a lifetime has no colon
		// and is either "2^n" or a plain decimal.
		if value, length, ok := strings.Cut(qualifier, ":"); ok {
			mki, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: bad MKI %q", ErrMalformedCryptoAttribute, qualifier)
			}
			mkiLen, err := strconv.Atoi(length)
			if err != nil || mkiLen < 1 || mkiLen > 128 {
				return nil, fmt.Errorf("%w: bad MKI length %q", ErrMalformedCryptoAttribute, qualifier)
			}
			kp.MKI = uint32(mki)
			kp.MKILength = mkiLen
			continue
		}
		if kp.Lifetime != "" {
			return nil, fmt.Errorf("%w: duplicate lifetime in %q", ErrMalformedCryptoAttribute, param)
		}
		kp.Lifetime = qualifier
	}
	return kp, nil
}

// String formats the attribute as the value of an a=crypto line, the inverse
// of ParseCryptoAttribute.
func (a *CryptoAttribute) String() string {
	material := make([]byte, 0, len(a.KeyParams.MasterKey)+len(a.KeyParams.MasterSalt))
	material = append(material, a.KeyParams.MasterKey...)
	material = append(material, a.KeyParams.MasterSalt...)

	var b strings.Builder
	fmt.Fprintf(&b, "%d %s inline:%s", a.Tag, a.Suite, base64.StdEncoding.EncodeToString(material))
	if a.KeyParams.Lifetime != "" {
		b.WriteByte('|')
		b.WriteString(a.KeyParams.Lifetime)
	}
	if a.KeyParams.MKILength > 0 {
		fmt.Fprintf(&b, "|%d:%d", a.KeyParams.MKI, a.KeyParams.MKILength)
	}
	for _, p := range a.SessionParams {
		b.WriteByte(' ')
		b.WriteString(p)
	}
	return b.String()
}

// KeyDerivationRate returns the rate requested by a KDR session parameter
// (RFC 4568 Section 6.3.7), where "KDR=n" means a rate of 2^n packets. It
// returns 0 when no KDR parameter is present, matching the RFC 3711 default
// of deriving session keys exactly once.
func (a *CryptoAttribute) KeyDerivationRate() (uint64, error) {
	for _, p := range a.SessionParams {
		value, ok := strings.CutPrefix(p, "KDR=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 24 {
			return 0, fmt.Errorf("%w: bad KDR %q", ErrMalformedCryptoAttribute, p)
		}
		return 1 << n, nil
	}
	return 0, nil
}

// AttachCrypto appends the attributes as a=crypto lines to an SDP media
// section.
func AttachCrypto(media *sdp.MediaDescription, attrs ...*CryptoAttribute) {
	for _, a := range attrs {
		media.Attributes = append(media.Attributes, sdp.NewAttribute(cryptoAttrKey, a.String()))
	}
}

// ExtractCrypto parses every a=crypto line of an SDP media section, in the
// order they appear. A section without crypto attributes yields an empty
// result and no error.
func ExtractCrypto(media *sdp.MediaDescription) ([]*CryptoAttribute, error) {
	var attrs []*CryptoAttribute
	for _, attr := range media.Attributes {
		if attr.Key != cryptoAttrKey {
			continue
		}
		parsed, err := ParseCryptoAttribute(attr.Value)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, parsed)
	}
	return attrs, nil
}

// NewContextFromAttribute builds a Context from a parsed a=crypto attribute.
// Lifetime, MKI and KDR qualifiers do not change the initial derivation, so
// the context starts from the same session keys the answering peer derives;
// a malformed KDR parameter is still rejected.
func NewContextFromAttribute(attr *CryptoAttribute) (*Context, error) {
	if _, err := attr.KeyDerivationRate(); err != nil {
		return nil, err
	}
	return NewContext(attr.Suite, attr.KeyParams.MasterKey, attr.KeyParams.MasterSalt)
}
