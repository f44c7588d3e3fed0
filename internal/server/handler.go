package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/i474232898/lamport-weather-aggregation/internal/protocol"
	"github.com/i474232898/lamport-weather-aggregation/internal/weather"
)

// handleConn runs the per-connection state machine: read the request, merge
// the peer clock, dispatch, answer with a fresh clock value and close.
func (s *Server) handleConn(conn net.Conn) {
	s.active.Inc()
	defer s.active.Dec()
	defer conn.Close()

	log := s.logger.With("conn", uuid.NewString(), "remote", conn.RemoteAddr().String())

	if s.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}

	resp := s.process(bufio.NewReader(conn), log)
	if resp == nil {
		return
	}

	if s.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	resp.Clock = s.clock.Increment()
	resp.HasClock = true
	if _, err := resp.WriteTo(conn); err != nil {
		log.Debugw("write response failed", "error", err)
		return
	}
	s.served.Inc()
	log.Debugw("request served", "status", resp.StatusCode, "clock", resp.Clock)
}

// process returns nil when the connection should close without a response.
func (s *Server) process(br *bufio.Reader, log *zap.SugaredLogger) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("panic while handling request", "panic", r)
			resp = status(http.StatusInternalServerError)
		}
	}()

	req, err := protocol.ReadRequestHead(br, s.cfg.Limits)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		log.Debugw("peer closed before sending a request")
		return nil
	case errors.Is(err, protocol.ErrMalformedRequest):
		log.Infow("rejecting malformed request", "error", err)
		return status(http.StatusBadRequest)
	default:
		log.Debugw("reading request failed", "error", err)
		return nil
	}

	now := s.clock.Observe(req.Clock)
	log.Debugw("request received", "method", req.Method, "peer_clock", req.Clock, "clock", now)

	switch req.Method {
	case http.MethodGet:
		return s.handleGet(log)
	case http.MethodPut:
		return s.handlePut(br, req, log)
	default:
		return status(http.StatusBadRequest)
	}
}

func (s *Server) handleGet(log *zap.SugaredLogger) *protocol.Response {
	body, err := json.Marshal(s.svc.Latest())
	if err != nil {
		log.Errorw("encoding observations failed", "error", err)
		return status(http.StatusInternalServerError)
	}
	return &protocol.Response{
		StatusCode:  http.StatusOK,
		ContentType: protocol.ContentTypeJSON,
		Body:        body,
	}
}

func (s *Server) handlePut(br *bufio.Reader, req *protocol.Request, log *zap.SugaredLogger) *protocol.Response {
	if err := req.ReadBody(br, s.cfg.Limits); err != nil {
		if errors.Is(err, protocol.ErrMalformedRequest) {
			log.Infow("rejecting request body", "error", err)
			return status(http.StatusBadRequest)
		}
		log.Debugw("reading request body failed", "error", err)
		return nil
	}

	var obs weather.Observation
	if err := json.Unmarshal(req.Body, &obs); err != nil {
		log.Infow("rejecting unparsable observation", "error", err)
		return status(http.StatusBadRequest)
	}

	if err := s.svc.Ingest(obs); err != nil {
		if errors.Is(err, weather.ErrInvalidRecord) {
			log.Infow("rejecting invalid observation", "error", err)
			return status(http.StatusBadRequest)
		}
		log.Errorw("storing observation failed", "id", obs.ID, "error", err)
		return status(http.StatusInternalServerError)
	}

	log.Infow("observation stored", "id", obs.ID)
	return status(http.StatusOK)
}

func status(code int) *protocol.Response {
	return &protocol.Response{StatusCode: code}
}
