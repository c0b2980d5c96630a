package broker

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type publishedMessage struct {
	topic   string
	payload []byte
}

// fakeClient behaves like a paho client whose broker always answers
// immediately. OnConnect runs synchronously inside Connect.
type fakeClient struct {
	opts       *mqtt.ClientOptions
	connectErr error

	mu           sync.Mutex
	connected    bool
	reconnecting bool
	subscribed  []string
	published   []publishedMessage
	disconnects int
}

func (f *fakeClient) Connect() mqtt.Token {
	if f.connectErr != nil {
		return doneToken(f.connectErr)
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	if f.opts.OnConnect != nil {
		f.opts.OnConnect(nil)
	}
	return doneToken(nil)
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.reconnecting = false
	f.disconnects++
	f.mu.Unlock()
}

// IsConnected mirrors paho: it stays true while auto-reconnect is running
func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected || f.reconnecting
}

func (f *fakeClient) IsConnectionOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return doneToken(errors.New("not currently connected and ResumeSubs not set"))
	}
	f.subscribed = append(f.subscribed, topic)
	return doneToken(nil)
}

func (f *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	f.published = append(f.published, publishedMessage{topic: topic, payload: payload.([]byte)})
	f.mu.Unlock()
	return doneToken(nil)
}

// drop simulates the broker going away without auto-reconnect succeeding
func (f *fakeClient) drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	if f.opts.OnConnectionLost != nil {
		f.opts.OnConnectionLost(nil, errors.New("EOF"))
	}
}

// lose simulates a dropped network session while paho's auto-reconnect
// keeps retrying in the background
func (f *fakeClient) lose() {
	f.mu.Lock()
	f.connected = false
	f.reconnecting = true
	f.mu.Unlock()
	if f.opts.OnConnectionLost != nil {
		f.opts.OnConnectionLost(nil, errors.New("EOF"))
	}
}

// reconnect completes paho's auto-reconnect
func (f *fakeClient) reconnect() {
	f.mu.Lock()
	f.connected = true
	f.reconnecting = false
	f.mu.Unlock()
	if f.opts.OnConnect != nil {
		f.opts.OnConnect(nil)
	}
}

func (f *fakeClient) Subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

func (f *fakeClient) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type fakeBroker struct {
	mu       sync.Mutex
	clients  []*fakeClient
	failNext error
}

func (b *fakeBroker) factory(opts *mqtt.ClientOptions) MQTTClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &fakeClient{opts: opts, connectErr: b.failNext}
	b.failNext = nil
	b.clients = append(b.clients, c)
	return c
}

func (b *fakeBroker) failWith(err error) {
	b.mu.Lock()
	b.failNext = err
	b.mu.Unlock()
}

func (b *fakeBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *fakeBroker) last() *fakeClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clients[len(b.clients)-1]
}

// testPKI returns a CA certificate plus a client certificate and key, all
// PEM encoded.
func testPKI(t *testing.T) (caPEM, certPEM, keyPEM string) {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)

	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	clientTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "kitty-paw"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	clientDER, err := x509.CreateCertificate(rand.Reader, clientTmpl, caTmpl, &clientKey.PublicKey, caKey)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(clientKey)
	require.NoError(t, err)

	caPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}))
	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: clientDER}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return caPEM, certPEM, keyPEM
}
