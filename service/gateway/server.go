package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"convocore/logger"
	midsec "convocore/middleware/security"
	"convocore/module/events"
	"convocore/module/identity"
	"convocore/service/kafka"
	"convocore/service/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const presenceTTL = 90 * time.Second

// Audience resolves which users a conversation-scoped change concerns.
type Audience interface {
	ListParticipants(ctx context.Context, convID string) ([]identity.Participant, error)
}

// Server terminates client websockets and fans committed changes out to
// whoever is resident on this gateway. It never interprets changes, only
// routes them.
type Server struct {
	mgr      *Manager
	fanout   *Fanout
	presence *storage.Presence
	auth     *midsec.Options
	audience Audience
}

func NewServer(gwID string, auth *midsec.Options, presence *storage.Presence, audience Audience) *Server {
	return &Server{
		mgr:      NewManager(gwID),
		fanout:   NewFanout(4, 4096),
		presence: presence,
		auth:     auth,
		audience: audience,
	}
}

func (s *Server) Manager() *Manager { return s.mgr }

func (s *Server) Register(r gin.IRoutes) {
	r.GET("/ws", s.HandleWS)
}

// HandleWS upgrades, authenticates from the token query parameter (browser
// websocket clients cannot set headers) and parks the connection until the
// peer goes away.
func (s *Server) HandleWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"msg": "token required"})
		return
	}
	userID, err := midsec.Verify(s.auth, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"msg": "unauthenticated"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed: %v", err)
		return
	}

	client := s.mgr.Add(userID, ws)
	if s.presence != nil {
		if perr := s.presence.Online(c.Request.Context(), userID, s.mgr.GatewayID(), presenceTTL); perr != nil {
			logger.Warn("presence online failed", zap.String("user", userID), zap.Error(perr))
		}
	}
	logger.Infof("[ws] connected user=%s client=%s", userID, client.ID)

	defer func() {
		remaining := s.mgr.Remove(client)
		if s.presence != nil && !remaining {
			if perr := s.presence.Offline(context.Background(), userID); perr != nil {
				logger.Warn("presence offline failed", zap.String("user", userID), zap.Error(perr))
			}
		}
		logger.Infof("[ws] closed user=%s client=%s", userID, client.ID)
	}()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if s.presence != nil {
			_ = s.presence.Online(context.Background(), userID, s.mgr.GatewayID(), presenceTTL)
		}
		return nil
	})

	// Read loop. Clients only listen on this socket; inbound frames are
	// drained to keep control frames flowing.
	for {
		if _, _, rerr := ws.ReadMessage(); rerr != nil {
			if !websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				logger.Debug("ws read ended", zap.String("client", client.ID), zap.Error(rerr))
			}
			return
		}
	}
}

// Deliver pushes one change to the given users' resident connections.
func (s *Server) Deliver(ch events.Change, userIDs []string) {
	payload, err := ch.Encode()
	if err != nil {
		logger.Error("encode change for fanout", zap.Error(err))
		return
	}
	s.fanout.Broadcast(s.mgr.ClientsFor(userIDs), payload)
}

// BindTopic hooks the gateway into the durable event feed: every change
// landing on the Kafka topic is routed to the conversation's participants.
func (s *Server) BindTopic(topic string) {
	kafka.RegisterHandler(topic, func(_ string, _, value []byte) error {
		ch, err := events.Decode(value)
		if err != nil {
			logger.Warn("undecodable change on topic", zap.String("topic", topic), zap.Error(err))
			return nil
		}
		parts, err := s.audience.ListParticipants(context.Background(), ch.ConversationID)
		if err != nil {
			logger.Warn("audience lookup failed", zap.String("conversation", ch.ConversationID), zap.Error(err))
			return nil
		}
		userIDs := make([]string, 0, len(parts))
		for _, p := range parts {
			userIDs = append(userIDs, p.UserID)
		}
		s.Deliver(ch, userIDs)
		return nil
	})
}

func (s *Server) Close() {
	s.mgr.Close()
	s.fanout.Close()
}
