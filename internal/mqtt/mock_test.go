package mqtt

import (
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/mock"
)

// mockPaho is a testify mock of the paho client.
type mockPaho struct {
	mock.Mock
}

func (m *mockPaho) IsConnected() bool      { return m.Called().Bool(0) }
func (m *mockPaho) IsConnectionOpen() bool { return m.Called().Bool(0) }
func (m *mockPaho) Connect() pahomqtt.Token {
	return m.Called().Get(0).(pahomqtt.Token)
}
func (m *mockPaho) Disconnect(quiesce uint) { m.Called(quiesce) }
func (m *mockPaho) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	return m.Called(topic, qos, retained, payload).Get(0).(pahomqtt.Token)
}
func (m *mockPaho) Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	return m.Called(topic, qos, callback).Get(0).(pahomqtt.Token)
}
func (m *mockPaho) SubscribeMultiple(filters map[string]byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	return m.Called(filters, callback).Get(0).(pahomqtt.Token)
}
func (m *mockPaho) Unsubscribe(topics ...string) pahomqtt.Token {
	return m.Called(topics).Get(0).(pahomqtt.Token)
}
func (m *mockPaho) AddRoute(topic string, callback pahomqtt.MessageHandler) { m.Called(topic, callback) }
func (m *mockPaho) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

// doneToken is an already-completed token.
type doneToken struct {
	err     error
	timeout bool
}

func (t doneToken) Wait() bool                     { return !t.timeout }
func (t doneToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.timeout {
		close(ch)
	}
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}
