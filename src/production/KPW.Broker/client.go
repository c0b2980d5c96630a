package broker

import (
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient is the subset of the paho client the connection relies on.
// mqtt.Client satisfies it; tests substitute a fake.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	IsConnectionOpen() bool
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// ClientFactory builds a client from fully prepared options
type ClientFactory func(opts *mqtt.ClientOptions) MQTTClient

// PahoClientFactory is the production factory
func PahoClientFactory(opts *mqtt.ClientOptions) MQTTClient {
	return mqtt.NewClient(opts)
}

// MessageHandler receives every inbound (topic, payload) pair in broker
// delivery order.
type MessageHandler func(topic string, payload []byte)
