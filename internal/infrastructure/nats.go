package infrastructure

import (
	"time"

	"github.com/nats-io/nats.go"
)

func connectNats(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
}

// NatsBus adapts a NATS connection to the repository.MessageBus interface.
type NatsBus struct {
	nc *nats.Conn
}

func NewNatsBus(nc *nats.Conn) *NatsBus {
	return &NatsBus{nc: nc}
}

func (b *NatsBus) Publish(topic string, data []byte) error {
	return b.nc.Publish(topic, data)
}
