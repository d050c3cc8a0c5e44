package transport

import (
	"fmt"

	comms "github.com/nats-io/nats.go"
)

const brokerLogPrefix = "transport:comms_broker"

// CommsBroker adapts a COMMS connection to the Broker seam.
type CommsBroker struct {
	conn *comms.Conn
}

// NewCommsBroker wraps an established COMMS connection. The caller keeps
// ownership of the connection and closes it after the client shuts down.
func NewCommsBroker(conn *comms.Conn) *CommsBroker {
	return &CommsBroker{conn: conn}
}

// Publish sends data to subject with the fabric headers attached.
func (b *CommsBroker) Publish(subject string, headers map[string]string, data []byte) error {
	msg := comms.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("%s - publish to %s: %w", brokerLogPrefix, subject, err)
	}
	return nil
}

// QueueSubscribe binds handler to subject within the given queue group.
func (b *CommsBroker) QueueSubscribe(subject, queue string, handler func(data []byte)) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, func(msg *comms.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe to %s: %w", brokerLogPrefix, subject, err)
	}
	return sub, nil
}

// Flush pushes buffered outbound messages to the COMMS server.
func (b *CommsBroker) Flush() error {
	return b.conn.Flush()
}
