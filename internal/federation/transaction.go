package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/ember-hs/ember/internal/event"
)

// Transaction is an inbound batch of PDUs pushed by a remote server.
// EDUs (ephemeral data) are accepted on the wire but not processed.
type Transaction struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []json.RawMessage `json:"edus,omitempty"`
}

// PDUResult is the per-event processing outcome. An empty object means
// success; a failed event carries an error description. One event's
// failure never blocks the remaining events in the batch.
type PDUResult struct {
	Error string `json:"error,omitempty"`
}

// TransactionResponse maps each processed event's full id to its outcome.
type TransactionResponse struct {
	PDUs map[string]PDUResult `json:"pdus"`
}

// IngestTransaction applies a batch of remote PDUs in list order: each
// event is co-signed, its reference hash becomes its id, and its state
// pointer and blob are staged into one shared delta. A single commit
// makes the whole batch visible atomically; a commit failure fails the
// batch with no partial state.
func (s *Service) IngestTransaction(ctx context.Context, txnID string, txn *Transaction) (*TransactionResponse, error) {
	resp := &TransactionResponse{PDUs: make(map[string]PDUResult, len(txn.PDUs))}
	if len(txn.PDUs) == 0 {
		return resp, nil
	}

	// Collect the rooms involved up front so all their locks are taken
	// before any staging happens.
	roomIDs := make([]string, 0, len(txn.PDUs))
	for _, raw := range txn.PDUs {
		if roomID := gjson.GetBytes(raw, "room_id").String(); roomID != "" {
			roomIDs = append(roomIDs, roomID)
		}
	}

	tx, err := s.graph.Begin(ctx, roomIDs...)
	if err != nil {
		return nil, fmt.Errorf("federation: transaction %s: %w", txnID, err)
	}
	defer tx.Close()

	staged := 0
	for i, raw := range txn.PDUs {
		pdu, err := event.Decode(raw)
		if err != nil {
			// No id can be derived for an undecodable event; it is
			// dropped from the result set entirely.
			s.log.WithFields(logrus.Fields{
				"txn_id": txnID,
				"origin": txn.Origin,
				"index":  i,
			}).WithError(err).Warn("dropping malformed pdu")
			continue
		}

		if err := event.Sign(pdu, s.serverName, s.keyID, s.priv); err != nil {
			return nil, fmt.Errorf("federation: transaction %s sign: %w", txnID, err)
		}
		eventID, err := event.ReferenceHash(pdu)
		if err != nil {
			return nil, fmt.Errorf("federation: transaction %s hash: %w", txnID, err)
		}

		stateKey, err := pdu.StateKeyOrErr()
		if err != nil {
			if errors.Is(err, event.ErrMissingStateKey) {
				resp.PDUs[eventID] = PDUResult{Error: "event has no state_key"}
				continue
			}
			return nil, fmt.Errorf("federation: transaction %s: %w", txnID, err)
		}

		encoded, err := pdu.Encode()
		if err != nil {
			return nil, fmt.Errorf("federation: transaction %s encode: %w", txnID, err)
		}

		tx.PutEvent(eventID, encoded)
		tx.SetState(pdu.RoomID, pdu.EventType, stateKey, eventID)
		resp.PDUs[eventID] = PDUResult{}
		staged++
	}

	if staged > 0 {
		message := fmt.Sprintf("transaction %s from %s (%d events)", txnID, txn.Origin, staged)
		if err := tx.Commit(ctx, message); err != nil {
			s.log.WithFields(logrus.Fields{
				"txn_id": txnID,
				"origin": txn.Origin,
			}).WithError(err).Error("transaction commit failed")
			return nil, fmt.Errorf("federation: transaction %s commit: %w", txnID, err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"txn_id": txnID,
		"origin": txn.Origin,
		"pdus":   len(txn.PDUs),
		"staged": staged,
	}).Info("processed transaction")

	return resp, nil
}
