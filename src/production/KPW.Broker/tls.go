package broker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"strings"

	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
)

// tlsConfig builds a mutual-TLS configuration from the PEM strings of a
// certificate credential set.
func tlsConfig(creds kpwmodels.BrokerCredentials) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(creds.CACert)) {
		return nil, fmt.Errorf("bad CA certificate")
	}
	cfg.RootCAs = pool

	cert, err := tls.X509KeyPair([]byte(creds.ClientCert), []byte(creds.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("bad client certificate or key: %w", err)
	}
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

// BrokerURL returns the URL paho should dial. Certificate credentials
// force a TLS scheme; everything else keeps what was given, defaulting to
// plain tcp when no scheme is present.
func BrokerURL(raw string, secure bool) string {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "tcp://" + raw
	}
	if !secure {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	switch strings.ToLower(u.Scheme) {
	case "tcp", "mqtt":
		u.Scheme = "tcps"
	case "ws":
		u.Scheme = "wss"
	}
	return u.String()
}
