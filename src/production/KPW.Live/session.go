package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	config "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Config"
	logger "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Logger"
	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
	api_models "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models/api"
)

const (
	snapshotTimeout = 10 * time.Second
	controlTimeout  = time.Minute

	msgConnectMQTT = "connect_mqtt"
)

// BrokerControl applies broker credentials sent by a dashboard
type BrokerControl interface {
	Connect(ctx context.Context, creds kpwmodels.BrokerCredentials) (*kpwmodels.StoredConnection, error)
}

// controlMessage is the only inbound message a dashboard may send
type controlMessage struct {
	Type       string `json:"type"`
	Broker     string `json:"broker"`
	ClientID   string `json:"clientId"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	CACert     string `json:"caCert"`
	ClientCert string `json:"clientCert"`
	PrivateKey string `json:"privateKey"`
}

func (m controlMessage) credentials() kpwmodels.BrokerCredentials {
	return kpwmodels.BrokerCredentials{
		BrokerURL:  m.Broker,
		ClientID:   m.ClientID,
		Username:   m.Username,
		Password:   m.Password,
		CACert:     m.CACert,
		ClientCert: m.ClientCert,
		PrivateKey: m.PrivateKey,
	}
}

// Handler upgrades dashboard requests into live sessions
type Handler struct {
	registry *Registry
	resolver *AccessResolver
	control  BrokerControl
	cfg      config.LiveConfig
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

func NewHandler(registry *Registry, resolver *AccessResolver, control BrokerControl, cfg config.LiveConfig, log *logger.Logger) *Handler {
	cfg = withDefaults(cfg)
	return &Handler{
		registry: registry,
		resolver: resolver,
		control:  control,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
		logger: log.WithComponent("live"),
	}
}

func withDefaults(cfg config.LiveConfig) config.LiveConfig {
	switch {
	case cfg.QueueSize <= 0:
		cfg.QueueSize = 256
	case cfg.QueueSize < config.MinLiveQueueSize:
		cfg.QueueSize = config.MinLiveQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	return cfg
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if len(allowed) == 0 || origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Serve resolves the viewer, upgrades the request and runs the session
// until either side goes away.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, claims *api_models.AccessClaims) {
	viewer, err := h.resolver.Resolve(r.Context(), claims)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNoIdentity) {
			status = http.StatusUnauthorized
		}
		h.logger.Logger.Warn().Err(err).Msg("Rejecting live channel")
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		h.logger.Logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	ch := NewChannel(viewer, h.cfg.QueueSize)
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	err = h.registry.Register(ctx, ch)
	cancel()
	if err != nil {
		h.logger.Logger.Error().Err(err).Msg("Failed to register live channel")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "snapshot unavailable"),
			time.Now().Add(h.cfg.WriteTimeout))
		conn.Close()
		return
	}

	s := &session{
		conn:     conn,
		ch:       ch,
		registry: h.registry,
		control:  h.control,
		cfg:      h.cfg,
		logger:   h.logger.WithField("channel_id", ch.ID()),
	}
	go s.writePump()
	s.readPump()
}

type session struct {
	conn     *websocket.Conn
	ch       *Channel
	registry *Registry
	control  BrokerControl
	cfg      config.LiveConfig
	logger   *logger.Logger
}

func (s *session) readPump() {
	defer s.registry.Unregister(s.ch)

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Logger.Debug().Err(err).Msg("Live channel closed unexpectedly")
			}
			return
		}
		s.handle(data)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.ch.Messages():
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Logger.Debug().Err(err).Msg("Live write failed")
				s.registry.Unregister(s.ch)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.registry.Unregister(s.ch)
				return
			}
		case <-s.ch.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

func (s *session) handle(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Logger.Debug().Err(err).Msg("Ignoring malformed live message")
		return
	}

	switch msg.Type {
	case msgConnectMQTT:
		s.connectBroker(msg)
	default:
		s.logger.Logger.Debug().Str("type", msg.Type).Msg("Ignoring unsupported live message")
	}
}

// connectBroker applies the credentials and answers on this channel only
func (s *session) connectBroker(msg controlMessage) {
	status := kpwmodels.ConnectionStatus{Broker: msg.Broker}

	switch {
	case !s.ch.Viewer().IsAdmin():
		status.Status = kpwmodels.StatusConnectionError
		status.Message = "only administrators may change the broker connection"
	case s.control == nil:
		status.Status = kpwmodels.StatusConnectionError
		status.Message = "broker control unavailable"
	default:
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		_, err := s.control.Connect(ctx, msg.credentials())
		cancel()
		if err != nil {
			status.Status = kpwmodels.StatusConnectionError
			status.Message = err.Error()
		} else {
			status.Status = kpwmodels.StatusConnected
		}
	}

	s.logger.Logger.Info().Str("broker", msg.Broker).Str("status", status.Status).Msg("Broker connect requested over live channel")
	if err := s.registry.Send(s.ch, kpwmodels.NewStatusEvent(status)); err != nil {
		s.logger.Logger.Warn().Err(err).Msg("Failed to reply to live channel")
	}
}
