package probe

import (
	"FlowGuard/internal/metrics"
	"FlowGuard/internal/model"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// PacketHandler processes one decoded observation.
type PacketHandler func(info *model.PacketInfo)

// Subscriber decodes observations published on a NATS subject.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	owned   bool
}

// NewSubscriber connects to url and will subscribe to subject.
func NewSubscriber(url, subject string) (*Subscriber, error) {
	nc, err := nats.Connect(url, nats.Name("flowguard-engine"))
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", url)
	return &Subscriber{nc: nc, subject: subject, owned: true}, nil
}

// NewSubscriberConn subscribes over an existing connection, which Close
// leaves open.
func NewSubscriberConn(nc *nats.Conn, subject string) *Subscriber {
	return &Subscriber{nc: nc, subject: subject}
}

// Start subscribes and calls handler for every message that decodes.
// Malformed messages are counted and dropped.
func (s *Subscriber) Start(handler PacketHandler) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		info, err := Unmarshal(msg.Data)
		if err != nil {
			metrics.IngestDropped.WithLabelValues("malformed").Inc()
			log.Debugf("Dropping message on %s: %v", msg.Subject, err)
			return
		}
		handler(info)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	log.Printf("Subscribed to '%s'. Waiting for messages...", s.subject)
	return nil
}

// Close unsubscribes and closes the NATS connection if the subscriber
// opened it.
func (s *Subscriber) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.owned && s.nc != nil {
		s.nc.Close()
		log.Println("NATS connection closed.")
	}
}
