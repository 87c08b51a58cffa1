// Package federation implements the server-to-server protocol
// operations over the room graph: the join handshake, transaction
// ingestion, backfill, single-event retrieval, and the public-room
// directory projection.
package federation

import (
	"crypto/ed25519"

	"github.com/sirupsen/logrus"

	"github.com/ember-hs/ember/internal/roomgraph"
)

// Service holds the dependencies shared by all federation operations:
// the room graph, this server's identity, and its signing key.
type Service struct {
	graph       *roomgraph.Graph
	serverName  string
	keyID       string
	priv        ed25519.PrivateKey
	roomVersion string
	log         *logrus.Logger
}

// New creates a federation Service.
func New(graph *roomgraph.Graph, serverName, keyID string, priv ed25519.PrivateKey, roomVersion string, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{
		graph:       graph,
		serverName:  serverName,
		keyID:       keyID,
		priv:        priv,
		roomVersion: roomVersion,
		log:         log,
	}
}

// ServerName returns this server's federation identity.
func (s *Service) ServerName() string {
	return s.serverName
}

// RoomVersion returns the single room version this server speaks.
func (s *Service) RoomVersion() string {
	return s.roomVersion
}
