package event

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/tidwall/sjson"
)

// KeyID builds a Matrix key identifier from a key name, e.g. "ed25519:a1".
func KeyID(name string) string {
	return "ed25519:" + name
}

// GenerateKey creates a new ed25519 key pair and returns the private
// key's seed as unpadded base64 for storage in configuration.
func GenerateKey() (string, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("event: generate key: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(priv.Seed()), nil
}

// ParseKey loads an ed25519 private key from its base64 seed string.
func ParseKey(seed string) (ed25519.PrivateKey, error) {
	raw, err := base64.RawStdEncoding.DecodeString(seed)
	if err != nil {
		return nil, fmt.Errorf("event: parse key seed: %w", err)
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("event: parse key seed: got %d bytes, want %d", len(raw), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(raw), nil
}

// EncodePublicKey renders an ed25519 public key as unpadded base64 for
// key-exchange responses.
func EncodePublicKey(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("event: encode public key: got %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	return base64.RawStdEncoding.EncodeToString(pub), nil
}

// referenceBytes produces the canonical form hashed for the event id:
// all fields except signatures and unsigned.
func referenceBytes(p *PDU) ([]byte, error) {
	raw, err := p.Encode()
	if err != nil {
		return nil, err
	}
	for _, field := range []string{"signatures", "unsigned"} {
		raw, err = sjson.DeleteBytes(raw, field)
		if err != nil {
			return nil, fmt.Errorf("event: strip %s: %w", field, err)
		}
	}
	return CanonicalJSON(raw)
}

// signingBytes produces the canonical form that gets signed. The
// reference hash and the signature cover the same fields, so attaching
// a signature never changes the event id.
func signingBytes(p *PDU) ([]byte, error) {
	return referenceBytes(p)
}

// ReferenceHash computes the event's identity: the SHA-256 digest of
// its canonical form, as unpadded url-safe base64 with a leading "$".
func ReferenceHash(p *PDU) (string, error) {
	canonical, err := referenceBytes(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "$" + base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// Sign computes the event's canonical form, signs it with the given
// key, and attaches the signature under signatures[serverName][keyID].
// Existing signatures from other servers are preserved. Sign must be
// called before the reference hash is persisted as the event's id.
func Sign(p *PDU, serverName, keyID string, priv ed25519.PrivateKey) error {
	canonical, err := signingBytes(p)
	if err != nil {
		return err
	}
	sig := ed25519.Sign(priv, canonical)

	if p.Signatures == nil {
		p.Signatures = make(map[string]map[string]string, 1)
	}
	if p.Signatures[serverName] == nil {
		p.Signatures[serverName] = make(map[string]string, 1)
	}
	p.Signatures[serverName][keyID] = base64.RawStdEncoding.EncodeToString(sig)
	return nil
}

// Verify recomputes the event's canonical form and checks the stored
// signature for (serverName, keyID) against the given public key.
func Verify(p *PDU, serverName, keyID string, pub ed25519.PublicKey) (bool, error) {
	byServer, ok := p.Signatures[serverName]
	if !ok {
		return false, nil
	}
	encoded, ok := byServer[keyID]
	if !ok {
		return false, nil
	}
	sig, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return false, fmt.Errorf("event: decode signature: %w", err)
	}

	canonical, err := signingBytes(p)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, canonical, sig), nil
}

// SignJSON canonicalizes an arbitrary JSON object (minus any existing
// signatures and unsigned fields), signs it, and returns the object
// with the signature attached. Used for self-signing key-exchange
// responses, which are not PDUs.
func SignJSON(raw []byte, serverName, keyID string, priv ed25519.PrivateKey) ([]byte, error) {
	stripped := raw
	var err error
	for _, field := range []string{"signatures", "unsigned"} {
		stripped, err = sjson.DeleteBytes(stripped, field)
		if err != nil {
			return nil, fmt.Errorf("event: strip %s: %w", field, err)
		}
	}
	canonical, err := CanonicalJSON(stripped)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(priv, canonical)

	signed, err := sjson.SetBytes(raw,
		"signatures."+escapeJSONPath(serverName)+"."+escapeJSONPath(keyID),
		base64.RawStdEncoding.EncodeToString(sig))
	if err != nil {
		return nil, fmt.Errorf("event: attach signature: %w", err)
	}
	return signed, nil
}

// VerifyJSON checks a SignJSON-style signature on an arbitrary JSON object.
func VerifyJSON(raw []byte, serverName, keyID string, pub ed25519.PublicKey, encodedSig string) (bool, error) {
	stripped := raw
	var err error
	for _, field := range []string{"signatures", "unsigned"} {
		stripped, err = sjson.DeleteBytes(stripped, field)
		if err != nil {
			return false, fmt.Errorf("event: strip %s: %w", field, err)
		}
	}
	canonical, err := CanonicalJSON(stripped)
	if err != nil {
		return false, err
	}
	sig, err := base64.RawStdEncoding.DecodeString(encodedSig)
	if err != nil {
		return false, fmt.Errorf("event: decode signature: %w", err)
	}
	return ed25519.Verify(pub, canonical, sig), nil
}

// escapeJSONPath escapes dots in a map key so sjson treats it as a
// single path segment. Server names and key ids both contain dots and
// colons ("example.org", "ed25519:a1").
func escapeJSONPath(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '.' || key[i] == '*' || key[i] == '?' || key[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}
