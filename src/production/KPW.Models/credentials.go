package kpwmodels

import (
	"errors"
	"time"
)

// BrokerCredentials describe how to reach the MQTT broker. Either a
// username/password pair or a full PEM triple (CA, client certificate,
// private key) is used.
type BrokerCredentials struct {
	BrokerURL  string `json:"brokerUrl"`
	ClientID   string `json:"clientId"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	CACert     string `json:"caCert,omitempty"`
	ClientCert string `json:"clientCert,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
}

var (
	ErrBrokerURLRequired  = errors.New("broker url is required")
	ErrClientIDRequired   = errors.New("client id is required")
	ErrIncompleteCertPair = errors.New("certificate authentication needs caCert, clientCert and privateKey")
)

// UsesCertificates reports whether the credentials carry the full PEM triple
func (c BrokerCredentials) UsesCertificates() bool {
	return c.CACert != "" && c.ClientCert != "" && c.PrivateKey != ""
}

// Validate checks the required fields. A partial certificate set is
// rejected instead of silently falling back to password auth.
func (c BrokerCredentials) Validate() error {
	if c.BrokerURL == "" {
		return ErrBrokerURLRequired
	}
	if c.ClientID == "" {
		return ErrClientIDRequired
	}
	anyCert := c.CACert != "" || c.ClientCert != "" || c.PrivateKey != ""
	if anyCert && !c.UsesCertificates() {
		return ErrIncompleteCertPair
	}
	return nil
}

// RedactedCredentials is safe to hand to any client: secrets are reduced
// to presence flags.
type RedactedCredentials struct {
	BrokerURL     string `json:"brokerUrl"`
	ClientID      string `json:"clientId"`
	Username      string `json:"username,omitempty"`
	HasPassword   bool   `json:"hasPassword"`
	HasCACert     bool   `json:"hasCaCert"`
	HasClientCert bool   `json:"hasClientCert"`
	HasPrivateKey bool   `json:"hasPrivateKey"`
}

func (c BrokerCredentials) Redacted() RedactedCredentials {
	return RedactedCredentials{
		BrokerURL:     c.BrokerURL,
		ClientID:      c.ClientID,
		Username:      c.Username,
		HasPassword:   c.Password != "",
		HasCACert:     c.CACert != "",
		HasClientCert: c.ClientCert != "",
		HasPrivateKey: c.PrivateKey != "",
	}
}

// StoredConnection is a persisted credential set. The most recent one is
// used at startup.
type StoredConnection struct {
	ID            int64             `json:"id" db:"id"`
	Credentials   BrokerCredentials `json:"credentials"`
	Connected     bool              `json:"connected" db:"connected"`
	LastConnected *time.Time        `json:"lastConnected,omitempty" db:"last_connected"`
}

// RedactedConnection is the API view of a StoredConnection
type RedactedConnection struct {
	ID int64 `json:"id"`
	RedactedCredentials
	Connected     bool       `json:"connected"`
	LastConnected *time.Time `json:"lastConnected,omitempty"`
}

func (s StoredConnection) Redacted() RedactedConnection {
	return RedactedConnection{
		ID:                  s.ID,
		RedactedCredentials: s.Credentials.Redacted(),
		Connected:           s.Connected,
		LastConnected:       s.LastConnected,
	}
}
