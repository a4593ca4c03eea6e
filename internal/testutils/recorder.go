package testutils

import (
	"sync"

	"github.com/srg/blehub/internal/mqtt"
)

// Message is one recorded publish.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Recorder is an in-memory mqtt.Bus. Publishes are recorded and also delivered
// synchronously to matching subscriptions, like a local broker would.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	subs     []recorderSub
	err      error
}

type recorderSub struct {
	filter  string
	handler mqtt.MessageHandler
}

var _ mqtt.Bus = (*Recorder)(nil)

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes every later Publish return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Publish records the message and delivers it to matching subscribers.
func (r *Recorder) Publish(topic string, payload []byte, retained bool) error {
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return err
	}
	r.messages = append(r.messages, Message{
		Topic:    topic,
		Payload:  append([]byte(nil), payload...),
		Retained: retained,
	})
	r.mu.Unlock()

	r.dispatch(topic, payload)
	return nil
}

// Subscribe registers handler for filter.
func (r *Recorder) Subscribe(filter string, handler mqtt.MessageHandler) error {
	r.mu.Lock()
	r.subs = append(r.subs, recorderSub{filter: filter, handler: handler})
	r.mu.Unlock()
	return nil
}

// Deliver simulates an inbound message from another client. It is not recorded.
// The first handler error is returned.
func (r *Recorder) Deliver(topic string, payload []byte) error {
	return r.dispatch(topic, payload)
}

func (r *Recorder) dispatch(topic string, payload []byte) error {
	r.mu.Lock()
	var handlers []mqtt.MessageHandler
	for _, s := range r.subs {
		if mqtt.Match(s.filter, topic) {
			handlers = append(handlers, s.handler)
		}
	}
	r.mu.Unlock()

	var first error
	for _, h := range handlers {
		if err := h(topic, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Subscriptions returns the registered filters in order.
func (r *Recorder) Subscriptions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.subs))
	for i, s := range r.subs {
		out[i] = s.filter
	}
	return out
}

// Messages returns a copy of everything published so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Find returns every message published to topic.
func (r *Recorder) Find(topic string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Count is len(Find(topic)).
func (r *Recorder) Count(topic string) int {
	return len(r.Find(topic))
}

// Last returns the most recent message on topic.
func (r *Recorder) Last(topic string) (Message, bool) {
	msgs := r.Find(topic)
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// Payload returns the most recent payload on topic as a string, or "" if none.
func (r *Recorder) Payload(topic string) string {
	m, _ := r.Last(topic)
	return string(m.Payload)
}

// Topics returns the distinct topics in first-publish order.
func (r *Recorder) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, m := range r.messages {
		if _, ok := seen[m.Topic]; !ok {
			seen[m.Topic] = struct{}{}
			out = append(out, m.Topic)
		}
	}
	return out
}

// Reset forgets recorded messages but keeps subscriptions.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.messages = nil
	r.mu.Unlock()
}
