// Package keyserver publishes this server's ed25519 signing keys over
// the federation key-exchange API. Key queries are designed to be
// cacheable and relayed between servers, so every response body is
// signed by the serving server even though this server only ever serves
// its own keys.
package keyserver

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ember-hs/ember/internal/event"
)

// keyValidity is how far into the future published keys are declared
// valid. Remote servers re-fetch after expiry.
const keyValidity = time.Hour

// VerifyKey is a single published public key.
type VerifyKey struct {
	Key string `json:"key"`
}

// ServerKeys is the signed key publication for one server.
type ServerKeys struct {
	ServerName    string                       `json:"server_name"`
	VerifyKeys    map[string]VerifyKey         `json:"verify_keys"`
	OldVerifyKeys map[string]VerifyKey         `json:"old_verify_keys"`
	ValidUntilTS  int64                        `json:"valid_until_ts"`
	Signatures    map[string]map[string]string `json:"signatures,omitempty"`
}

// QueryRequest is the batch key query body: requested key ids grouped
// by server name. The per-key criteria object is accepted but unused.
type QueryRequest struct {
	ServerKeys map[string]map[string]json.RawMessage `json:"server_keys"`
}

// QueryResponse is the batch key query response.
type QueryResponse struct {
	ServerKeys []json.RawMessage `json:"server_keys"`
}

// Service answers direct and batched key queries for this server's
// configured signing keys. The key pair is process-wide configuration,
// loaded once and never mutated.
type Service struct {
	serverName string
	keyID      string
	priv       ed25519.PrivateKey
}

// New creates a key service for the given identity.
func New(serverName, keyID string, priv ed25519.PrivateKey) *Service {
	return &Service{serverName: serverName, keyID: keyID, priv: priv}
}

// KeyID returns the wire id of the active signing key.
func (s *Service) KeyID() string {
	return s.keyID
}

// buildKeys assembles an unsigned ServerKeys for a subset of this
// server's keys.
func (s *Service) buildKeys(keyIDs []string, now time.Time) (*ServerKeys, error) {
	keys := &ServerKeys{
		ServerName:    s.serverName,
		VerifyKeys:    make(map[string]VerifyKey, len(keyIDs)),
		OldVerifyKeys: map[string]VerifyKey{},
		ValidUntilTS:  now.Add(keyValidity).UnixMilli(),
	}
	for _, id := range keyIDs {
		pub, ok := s.priv.Public().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("keyserver: key %s: unexpected public key type", id)
		}
		encoded, err := event.EncodePublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("keyserver: key %s: %w", id, err)
		}
		keys.VerifyKeys[id] = VerifyKey{Key: encoded}
	}
	return keys, nil
}

// sign serializes a ServerKeys and attaches this server's signature.
func (s *Service) sign(keys *ServerKeys) (json.RawMessage, error) {
	raw, err := json.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("keyserver: encode keys: %w", err)
	}
	signed, err := event.SignJSON(raw, s.serverName, s.keyID, s.priv)
	if err != nil {
		return nil, fmt.Errorf("keyserver: sign keys: %w", err)
	}
	return signed, nil
}

// DirectQuery answers GET /key/v2/server. The deprecated key-id path
// parameter is ignored: all currently configured verify keys are
// returned, self-signed.
func (s *Service) DirectQuery(now time.Time) (json.RawMessage, error) {
	keys, err := s.buildKeys([]string{s.keyID}, now)
	if err != nil {
		return nil, err
	}
	return s.sign(keys)
}

// BatchQuery answers POST /key/v2/query. Only requested (server, key
// id) pairs matching this server's own identity produce entries; every
// other pair is silently absent, never an error.
func (s *Service) BatchQuery(req *QueryRequest, now time.Time) (*QueryResponse, error) {
	resp := &QueryResponse{ServerKeys: []json.RawMessage{}}

	requested, ok := req.ServerKeys[s.serverName]
	if !ok {
		return resp, nil
	}

	var matched []string
	for keyID := range requested {
		if keyID == s.keyID {
			matched = append(matched, keyID)
		}
	}
	if len(matched) == 0 {
		return resp, nil
	}

	keys, err := s.buildKeys(matched, now)
	if err != nil {
		return nil, err
	}
	signed, err := s.sign(keys)
	if err != nil {
		return nil, err
	}
	resp.ServerKeys = append(resp.ServerKeys, signed)
	return resp, nil
}
