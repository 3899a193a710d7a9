package publish

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Signer holds a loaded secp256k1 keypair used to sign publish-client
// request headers on mainnet profiles.
type Signer struct {
	privKey *btcec.PrivateKey
}

// LoadSigner decodes secret material into a Signer, trying encodings in the
// precedence spec.md §4.6 requires: registry-canonical JSON envelope first,
// then a raw JSON byte array, then base64, then hex. The first that decodes
// to a 32-byte key wins (a 64-character hex key is also valid base64, but
// decodes to 48 bytes that way, so it falls through to the hex decoder);
// grounded on the teacher's btcec.PrivKeyFromBytes key-loading
// pattern (common/common_doge_tx_test.go).
func LoadSigner(secret string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("publish: empty signer secret")
	}

	if raw, ok := tryRegistryCanonical(secret); ok && len(raw) == 32 {
		return newSigner(raw)
	}
	if raw, ok := tryJSONByteArray(secret); ok && len(raw) == 32 {
		return newSigner(raw)
	}
	if raw, ok := tryBase64(secret); ok && len(raw) == 32 {
		return newSigner(raw)
	}
	if raw, ok := tryHex(secret); ok && len(raw) == 32 {
		return newSigner(raw)
	}
	return nil, fmt.Errorf("publish: signer secret matched no known encoding")
}

func newSigner(raw []byte) (*Signer, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("publish: signer key must decode to 32 bytes, got %d", len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return &Signer{privKey: priv}, nil
}

// registryCanonicalEnvelope is the shape a registry-issued key export uses:
// {"schema":"...", "privateKey":"<base64>"}.
type registryCanonicalEnvelope struct {
	PrivateKey string `json:"privateKey"`
}

func tryRegistryCanonical(s string) ([]byte, bool) {
	var env registryCanonicalEnvelope
	if err := json.Unmarshal([]byte(s), &env); err != nil || env.PrivateKey == "" {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(env.PrivateKey)
	if err != nil {
		return nil, false
	}
	return raw, true
}

func tryJSONByteArray(s string) ([]byte, bool) {
	var bytesArr []byte
	var ints []int
	if err := json.Unmarshal([]byte(s), &ints); err != nil {
		return nil, false
	}
	bytesArr = make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, false
		}
		bytesArr[i] = byte(v)
	}
	return bytesArr, true
}

func tryBase64(s string) ([]byte, bool) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return raw, true
}

func tryHex(s string) ([]byte, bool) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, false
	}
	return raw, true
}

// Sign produces a hex-encoded signature over msg, used as the value of a
// signed request header.
func (s *Signer) Sign(msg []byte) string {
	sig := signCompact(s.privKey, msg)
	return hex.EncodeToString(sig)
}

// PublicKeyHex returns the compressed public key in hex, sent alongside the
// signature so the publisher can verify it.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.privKey.PubKey().SerializeCompressed())
}
