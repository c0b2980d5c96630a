package broker

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	logger "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Logger"
	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
)

// StatusListener is told about every connection state transition
type StatusListener func(status kpwmodels.ConnectionStatus)

// Options is the connection policy shared by every credential set
type Options struct {
	QoS               byte
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration
	PublishTimeout    time.Duration
}

// Connection owns the single broker session of the process. A new
// credential set replaces (and closes) the previous client. The topic
// registry is replayed on every successful (re)connect.
type Connection struct {
	opts     Options
	registry *TopicRegistry
	factory  ClientFactory
	handler  MessageHandler
	logger   *logger.Logger

	// serializes Connect so two credential changes cannot interleave
	connectMu sync.Mutex

	mu        sync.RWMutex
	client    MQTTClient
	creds     *kpwmodels.BrokerCredentials
	gen       uint64
	status    kpwmodels.ConnectionStatus
	listeners []StatusListener

	done      chan struct{}
	closeOnce sync.Once
}

func NewConnection(opts Options, registry *TopicRegistry, factory ClientFactory, handler MessageHandler, log *logger.Logger) *Connection {
	if factory == nil {
		factory = PahoClientFactory
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	return &Connection{
		opts:     opts,
		registry: registry,
		factory:  factory,
		handler:  handler,
		logger:   log.WithComponent("broker"),
		status:   kpwmodels.ConnectionStatus{Status: kpwmodels.StatusDisconnected},
		done:     make(chan struct{}),
	}
}

// OnStatus registers a listener. Listeners run on paho callback goroutines
// and must not block.
func (c *Connection) OnStatus(l StatusListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

func (c *Connection) emit(gen uint64, status kpwmodels.ConnectionStatus) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.status = status
	listeners := append([]StatusListener(nil), c.listeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		l(status)
	}
}

func (c *Connection) options(creds kpwmodels.BrokerCredentials, gen uint64) (*mqtt.ClientOptions, error) {
	secure := creds.UsesCertificates()
	broker := BrokerURL(creds.BrokerURL, secure)

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(creds.ClientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetKeepAlive(c.opts.KeepAlive).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(c.opts.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetConnectRetryInterval(c.opts.ReconnectInterval).
		SetMaxReconnectInterval(c.opts.ReconnectInterval)

	if secure {
		tlsCfg, err := tlsConfig(creds)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	} else if creds.Username != "" {
		opts.SetUsername(creds.Username)
		opts.SetPassword(creds.Password)
	}

	opts.OnConnect = func(_ mqtt.Client) {
		c.onConnected(gen, broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.logger.Logger.Warn().Err(err).Str("broker", broker).Msg("MQTT connection lost")
		c.emit(gen, kpwmodels.ConnectionStatus{Status: kpwmodels.StatusDisconnected, Broker: broker, Message: err.Error()})
	}
	opts.OnReconnecting = func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.logger.Logger.Info().Str("broker", broker).Msg("MQTT reconnecting")
	}
	return opts, nil
}

// Connect replaces the current session with one built from creds. The
// credentials are remembered even when the attempt fails.
func (c *Connection) Connect(ctx context.Context, creds kpwmodels.BrokerCredentials) error {
	if err := creds.Validate(); err != nil {
		return &ConnectError{Broker: creds.BrokerURL, Reason: FailureInvalid, Err: err}
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	previous := c.client
	c.client = nil
	c.gen++
	gen := c.gen
	remembered := creds
	c.creds = &remembered
	c.mu.Unlock()

	if previous != nil {
		c.logger.Logger.Info().Msg("Closing previous MQTT session")
		previous.Disconnect(250)
	}

	opts, err := c.options(creds, gen)
	if err != nil {
		cerr := &ConnectError{Broker: creds.BrokerURL, Reason: FailureTLS, Err: err}
		c.emit(gen, kpwmodels.ConnectionStatus{Status: kpwmodels.StatusError, Broker: creds.BrokerURL, Message: err.Error()})
		return cerr
	}
	broker := opts.Servers[0].String()

	client := c.factory(opts)
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	c.logger.Logger.Info().Str("broker", broker).Str("client_id", creds.ClientID).Bool("tls", creds.UsesCertificates()).Msg("Connecting to MQTT broker")
	if err := waitToken(ctx, client.Connect(), c.opts.ConnectTimeout); err != nil {
		client.Disconnect(0)
		c.mu.Lock()
		if c.gen == gen {
			c.client = nil
		}
		c.mu.Unlock()

		cerr := &ConnectError{Broker: broker, Reason: classify(err), Err: err}
		c.logger.Logger.Error().Err(err).Str("broker", broker).Str("reason", string(cerr.Reason)).Msg("MQTT connect failed")
		c.emit(gen, kpwmodels.ConnectionStatus{Status: kpwmodels.StatusError, Broker: broker, Message: err.Error()})
		return cerr
	}
	return nil
}

func (c *Connection) onConnected(gen uint64, broker string) {
	c.mu.RLock()
	client := c.client
	current := gen == c.gen
	c.mu.RUnlock()
	if !current || client == nil {
		return
	}

	topics := c.registry.List()
	c.logger.Logger.Info().Str("broker", broker).Strs("topics", topics).Msg("MQTT connected, subscribing to topics")
	for _, topic := range topics {
		c.subscribe(client, topic)
	}
	c.emit(gen, kpwmodels.ConnectionStatus{Status: kpwmodels.StatusConnected, Broker: broker})
}

func (c *Connection) subscribe(client MQTTClient, topic string) error {
	err := waitToken(context.Background(), client.Subscribe(topic, c.opts.QoS, c.onMessage), c.opts.ConnectTimeout)
	if err != nil {
		c.logger.Logger.Error().Err(err).Str("topic", topic).Msg("Failed to subscribe to MQTT topic")
		return err
	}
	c.logger.Logger.Debug().Str("topic", topic).Msg("Subscribed")
	return nil
}

func (c *Connection) onMessage(_ mqtt.Client, m mqtt.Message) {
	if c.handler != nil {
		c.handler(m.Topic(), m.Payload())
	}
}

// AddTopic records the topic and, when connected, subscribes right away.
// A failed immediate subscribe leaves the topic registered for the next
// reconnect.
func (c *Connection) AddTopic(topic string) (string, error) {
	normalized, added := c.registry.Add(topic)
	if normalized == "" {
		return "", ErrEmptyTopic
	}
	if !added {
		return normalized, nil
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil || !client.IsConnectionOpen() {
		c.logger.Logger.Info().Str("topic", normalized).Msg("Topic registered, will subscribe on connect")
		return normalized, nil
	}
	return normalized, c.subscribe(client, normalized)
}

// Publish sends a payload at the configured QoS
func (c *Connection) Publish(topic string, payload []byte) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return waitToken(context.Background(), client.Publish(topic, c.opts.QoS, false, payload), c.opts.PublishTimeout)
}

// Disconnect ends the session and forgets the credentials so the watchdog
// does not bring it back.
func (c *Connection) Disconnect() {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	client := c.client
	c.client = nil
	c.creds = nil
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
		c.logger.Logger.Info().Msg("Disconnected from MQTT broker")
	}
	c.emit(gen, kpwmodels.ConnectionStatus{Status: kpwmodels.StatusDisconnected})
}

// IsConnected reports whether the network session is up. While paho is
// auto-reconnecting this is false.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil && c.client.IsConnectionOpen()
}

// sessionAlive is true while paho still owns the session, including its
// own reconnect attempts. The watchdog only steps in once it is not.
func (c *Connection) sessionAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil && c.client.IsConnected()
}

// Status is the last reported transition, corrected by the live client state
func (c *Connection) Status() kpwmodels.ConnectionStatus {
	c.mu.RLock()
	status := c.status
	connected := c.client != nil && c.client.IsConnectionOpen()
	c.mu.RUnlock()

	if connected {
		status.Status = kpwmodels.StatusConnected
		status.Message = ""
	} else if status.Status == kpwmodels.StatusConnected {
		status.Status = kpwmodels.StatusDisconnected
	}
	return status
}

// Credentials returns the remembered credential set, if any
func (c *Connection) Credentials() (kpwmodels.BrokerCredentials, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.creds == nil {
		return kpwmodels.BrokerCredentials{}, false
	}
	return *c.creds, true
}

func (c *Connection) Topics() []string {
	return c.registry.List()
}

// RunWatchdog checks liveness every interval and reconnects with the
// remembered credentials when the session is down. It returns when ctx is
// cancelled or the connection is closed.
func (c *Connection) RunWatchdog(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if c.sessionAlive() {
				continue
			}
			creds, ok := c.Credentials()
			if !ok {
				continue
			}
			c.logger.Logger.Warn().Str("broker", creds.BrokerURL).Msg("Watchdog: MQTT session down, reconnecting")
			if err := c.Connect(ctx, creds); err != nil {
				c.logger.Logger.Error().Err(err).Msg("Watchdog reconnect failed")
			}
		}
	}
}

// Close stops the watchdog and disconnects. Further Connect calls fail.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.Disconnect()
	})
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrConnectTimeout
	}
}
