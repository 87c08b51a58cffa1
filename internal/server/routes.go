package server

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ember-hs/ember/internal/federation"
	"github.com/ember-hs/ember/internal/keyserver"
)

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	// --- Key exchange (no auth: key queries must be relayable) ---
	s.echo.GET("/_matrix/key/v2/server", s.handleDirectKeyQuery)
	s.echo.GET("/_matrix/key/v2/server/:key_id", s.handleDirectKeyQuery)
	s.echo.POST("/_matrix/key/v2/query", s.handleBatchKeyQuery)

	// --- Public federation endpoints ---
	s.echo.GET("/_matrix/federation/v1/version", s.handleVersion)
	s.echo.GET("/_matrix/federation/v1/publicRooms", s.handlePublicRooms)

	// --- Server-signature-authenticated federation endpoints ---
	fed := s.echo.Group("", s.requireOrigin)
	fed.GET("/_matrix/federation/v1/make_join/:room_id/:user_id", s.handleMakeJoin)
	fed.PUT("/_matrix/federation/v2/send_join/:room_id/:event_id", s.handleSendJoin)
	fed.PUT("/_matrix/federation/v1/invite/:room_id/:event_id", s.handleInvite)
	fed.PUT("/_matrix/federation/v1/send/:txn_id", s.handleTransaction)
	fed.GET("/_matrix/federation/v1/backfill/:room_id", s.handleBackfill)
	fed.GET("/_matrix/federation/v1/event/:event_id", s.handleEvent)
}

// matrixError renders an error as the Matrix `{"errcode": ...}` body.
// Anything that is not a protocol rejection is logged in full and
// reported to the caller as a generic 500 M_UNKNOWN.
func (s *Server) matrixError(c echo.Context, err error) error {
	matrixErr := federation.AsMatrixError(err)
	if matrixErr.StatusCode >= http.StatusInternalServerError {
		s.log.WithField("path", c.Request().URL.Path).WithError(err).Error("request failed")
	}
	return c.JSON(matrixErr.StatusCode, matrixErr)
}

// readBody drains the request body for endpoints that need the raw
// event JSON rather than a bound struct.
func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fmt.Errorf("server: read body: %w", err)
	}
	return body, nil
}

// pathParam returns a decoded path parameter. Room and event ids carry
// characters that arrive percent-encoded.
func pathParam(c echo.Context, name string) string {
	raw := c.Param(name)
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

// handleVersion returns basic server identification, used by federation
// tooling and monitoring to verify the server is alive.
func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]map[string]string{
		"server": {
			"name":    "ember",
			"version": "0.1.0",
		},
	})
}

// handleDirectKeyQuery serves this server's signing keys. The
// deprecated :key_id parameter is accepted and ignored.
func (s *Server) handleDirectKeyQuery(c echo.Context) error {
	signed, err := s.keys.DirectQuery(time.Now())
	if err != nil {
		return s.matrixError(c, err)
	}
	return c.JSONBlob(http.StatusOK, signed)
}

// handleBatchKeyQuery answers batched indirect key queries.
func (s *Server) handleBatchKeyQuery(c echo.Context) error {
	var req keyserver.QueryRequest
	if err := c.Bind(&req); err != nil {
		return s.matrixError(c, err)
	}
	resp, err := s.keys.BatchQuery(&req, time.Now())
	if err != nil {
		return s.matrixError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleMakeJoin returns an unsigned join-event template.
func (s *Server) handleMakeJoin(c echo.Context) error {
	roomID := pathParam(c, "room_id")
	userID := pathParam(c, "user_id")
	versions := c.QueryParams()["ver"]

	resp, err := s.fed.MakeJoin(c.Request().Context(), roomID, userID, s.getOrigin(c), versions)
	if err != nil {
		return s.matrixError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleSendJoin admits a signed member event into the room.
func (s *Server) handleSendJoin(c echo.Context) error {
	roomID := pathParam(c, "room_id")
	eventID := pathParam(c, "event_id")

	body, err := readBody(c)
	if err != nil {
		return s.matrixError(c, err)
	}
	resp, err := s.fed.SendJoin(c.Request().Context(), roomID, eventID, body)
	if err != nil {
		return s.matrixError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleInvite rejects federated invites unconditionally.
func (s *Server) handleInvite(c echo.Context) error {
	err := s.fed.Invite(pathParam(c, "room_id"), pathParam(c, "event_id"))
	return s.matrixError(c, err)
}

// handleTransaction ingests a batch of remote PDUs.
func (s *Server) handleTransaction(c echo.Context) error {
	txnID := pathParam(c, "txn_id")

	var txn federation.Transaction
	if err := c.Bind(&txn); err != nil {
		return s.matrixError(c, err)
	}
	if txn.Origin == "" {
		txn.Origin = s.getOrigin(c)
	}

	resp, err := s.fed.IngestTransaction(c.Request().Context(), txnID, &txn)
	if err != nil {
		return s.matrixError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleBackfill resolves ancestors backward from a frontier of event ids.
func (s *Server) handleBackfill(c echo.Context) error {
	roomID := pathParam(c, "room_id")
	frontier := c.QueryParams()["v"]

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err == nil && parsed > 0 {
			limit = parsed
		}
	}

	resp, err := s.fed.Backfill(c.Request().Context(), roomID, frontier, limit)
	if err != nil {
		return s.matrixError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleEvent retrieves a single event by id.
func (s *Server) handleEvent(c echo.Context) error {
	resp, err := s.fed.Event(c.Request().Context(), pathParam(c, "event_id"))
	if err != nil {
		return s.matrixError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// handlePublicRooms lists the public-room directory.
func (s *Server) handlePublicRooms(c echo.Context) error {
	resp, err := s.fed.PublicRooms(c.Request().Context())
	if err != nil {
		return s.matrixError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
