package mqtt

// MessageHandler is the callback signature for received messages.
// A returned error is logged and does not affect acknowledgement.
type MessageHandler func(topic string, payload []byte) error

// Publisher emits messages at the configured QoS.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// Subscriber registers handlers for topic filters, wildcards included.
type Subscriber interface {
	Subscribe(filter string, handler MessageHandler) error
}

// Bus is a connected publisher and subscriber.
type Bus interface {
	Publisher
	Subscriber
}

var _ Bus = (*Client)(nil)
