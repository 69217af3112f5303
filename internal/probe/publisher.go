package probe

import (
	"FlowGuard/internal/model"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// Publisher publishes observations to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
	buf     []byte
}

// NewPublisher connects to url and publishes on subject.
func NewPublisher(url, subject string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("flowguard-probe"))
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", url)
	return NewPublisherConn(nc, subject), nil
}

// NewPublisherConn publishes over an existing connection.
func NewPublisherConn(nc *nats.Conn, subject string) *Publisher {
	return &Publisher{nc: nc, subject: subject}
}

// Publish encodes info and publishes it. It is not safe for concurrent use.
func (p *Publisher) Publish(info *model.PacketInfo) error {
	p.buf = Marshal(p.buf[:0], info)
	return p.nc.Publish(p.subject, p.buf)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		log.Println("NATS connection drained and closed.")
	}
}
