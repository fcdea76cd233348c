package routerclient

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/OpenBMB/IoA/pkg/protocol"
)

const (
	socketAttempts = 3
	socketBackoff  = 3 * time.Second
)

// Socket is the agent's relay connection. Send and Receive redial on
// failure with a fixed backoff, so a router restart costs at most a
// few seconds of retries instead of killing the agent.
type Socket struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex // guards conn replacement and writes
	conn *websocket.Conn
}

// DialSocket connects agentName's relay socket. baseURL is the
// router's HTTP address; the scheme is rewritten to ws.
func DialSocket(baseURL, agentName string, logger *slog.Logger) (*Socket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wsBase := strings.TrimRight(baseURL, "/")
	wsBase = strings.Replace(wsBase, "http", "ws", 1)
	s := &Socket{
		url:    wsBase + "/ws/" + url.PathEscape(agentName),
		logger: logger,
	}
	if err := s.redial(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Socket) redial() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("routerclient: dial %s: %w", s.url, err)
	}
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func retryPolicy() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(socketBackoff), socketAttempts-1)
}

// Send writes one message, redialing between attempts.
func (s *Socket) Send(msg *protocol.AgentMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("routerclient: encode message: %w", err)
	}
	op := func() error {
		s.mu.Lock()
		conn := s.conn
		err := conn.WriteMessage(websocket.TextMessage, data)
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("socket send failed, redialing", "error", err)
			if derr := s.redial(); derr != nil {
				return derr
			}
		}
		return err
	}
	if err := backoff.Retry(op, retryPolicy()); err != nil {
		return fmt.Errorf("routerclient: send: %w", err)
	}
	return nil
}

// Receive blocks for the next relayed message, redialing on a dropped
// connection. Undecodable frames are skipped.
func (s *Socket) Receive() (*protocol.AgentMessage, error) {
	var msg *protocol.AgentMessage
	op := func() error {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				s.logger.Warn("socket receive failed, redialing", "error", err)
				if derr := s.redial(); derr != nil {
					return derr
				}
				return err
			}
			m, err := protocol.DecodeAgentMessage(data)
			if err != nil {
				s.logger.Error("skipping undecodable frame", "error", err)
				continue
			}
			msg = m
			return nil
		}
	}
	if err := backoff.Retry(op, retryPolicy()); err != nil {
		return nil, fmt.Errorf("routerclient: receive: %w", err)
	}
	return msg, nil
}

// Close shuts the socket down.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
