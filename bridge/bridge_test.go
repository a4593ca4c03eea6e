package bridge

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/blehub/internal/connect"
	"github.com/srg/blehub/internal/device"
	"github.com/srg/blehub/internal/registry"
	"github.com/srg/blehub/internal/testutils"
	"github.com/srg/blehub/pkg/config"
	"github.com/stretchr/testify/suite"
)

const (
	puckAddr = "c0:ff:ee:00:00:01"
	nusSvc   = "6e400001b5a3f393e0a9e50e24dcca9e"
	nusTX    = "6e400002b5a3f393e0a9e50e24dcca9e"
	nusRX    = "6e400003b5a3f393e0a9e50e24dcca9e"
	waitFor  = 2 * time.Second
)

type fakePresence struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (p *fakePresence) InRange(addr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[addr]
}

type BridgeTestSuite struct {
	suite.Suite

	logger   *logrus.Logger
	hook     *test.Hook
	recorder *testutils.Recorder
	radio    *testutils.FakeRadio
	manager  *connect.Manager
	presence *fakePresence
	bridge   *Bridge
}

func (s *BridgeTestSuite) SetupTest() {
	s.logger, s.hook = test.NewNullLogger()
	s.recorder = testutils.NewRecorder()
	s.radio = testutils.NewFakeRadio()
	s.radio.Link(puckAddr).
		WithCharacteristic(nusSvc, nusTX, device.PropWrite|device.PropWriteNoResponse).
		WithCharacteristic(nusSvc, nusRX, device.PropNotify).
		WithCharacteristic("180f", "2a19", device.PropRead).
		WithValue("180f", "2a19", []byte{93})

	reg := registry.New("/ble", registry.Defaults{ConnectionTimeout: 20 * time.Second})
	reg.DeclareKnown(puckAddr, config.DeviceSpec{Name: "puck"})

	s.manager = connect.New(s.radio, nil, reg, connect.Options{
		MaxConnections:    1,
		ConnectionTimeout: 20 * time.Second,
		ConnectTimeout:    time.Second,
		DiscoveryTimeout:  time.Second,
		BusyTimeout:       10 * time.Second,
	}, s.logger)
	s.presence = &fakePresence{seen: map[string]bool{puckAddr: true}}
	s.bridge = New(s.recorder, s.manager, s.presence, reg, "/ble", s.logger)
	s.Require().NoError(s.bridge.Start())
}

func (s *BridgeTestSuite) eventuallyPublished(topic string) string {
	s.Require().Eventually(func() bool { return s.recorder.Count(topic) > 0 }, waitFor, 5*time.Millisecond, topic)
	return s.recorder.Payload(topic)
}

func (s *BridgeTestSuite) TestSubscriptions() {
	s.ElementsMatch([]string{
		"/ble/write/#",
		"/ble/read/#",
		"/ble/notify/#",
		"/ble/ping/#",
	}, s.recorder.Subscriptions())
}

func (s *BridgeTestSuite) TestWriteByAlias() {
	s.Require().NoError(s.recorder.Deliver("/ble/write/puck/nus/nus_tx", []byte(`"LED1.set()\n"`)))

	s.Equal(`"LED1.set()\n"`, s.eventuallyPublished("/ble/written/puck/nus/nus_tx"))
	s.Equal([]byte("LED1.set()\n"), s.radio.Link(puckAddr).Written(nusSvc, nusTX))
}

func (s *BridgeTestSuite) TestWriteByAddressWithPlainText() {
	s.Require().NoError(s.recorder.Deliver("/ble/write/C0:FF:EE:00:00:01/nus/nus_tx", []byte("reset()")))

	s.Equal("reset()", s.eventuallyPublished("/ble/written/C0:FF:EE:00:00:01/nus/nus_tx"))
	s.Equal([]byte("reset()"), s.radio.Link(puckAddr).Written(nusSvc, nusTX))
}

func (s *BridgeTestSuite) TestWriteHexPayload() {
	s.Require().NoError(s.recorder.Deliver("/ble/write/puck/nus/nus_tx", []byte(`{"type":"hex","data":"0102"}`)))

	s.eventuallyPublished("/ble/written/puck/nus/nus_tx")
	s.Equal([]byte{1, 2}, s.radio.Link(puckAddr).Written(nusSvc, nusTX))
}

func (s *BridgeTestSuite) TestWriteInvalidPayload() {
	err := s.recorder.Deliver("/ble/write/puck/nus/nus_tx", []byte(`{"type":"hex","data":"xyz"}`))

	s.Error(err)
	s.Zero(s.radio.DialCount(puckAddr))
}

func (s *BridgeTestSuite) TestNotInRangeIsNoop() {
	s.presence.mu.Lock()
	s.presence.seen = map[string]bool{}
	s.presence.mu.Unlock()

	s.Require().NoError(s.recorder.Deliver("/ble/write/puck/nus/nus_tx", []byte("x")))
	s.Require().NoError(s.recorder.Deliver("/ble/ping/puck", nil))

	s.Never(func() bool { return len(s.radio.Dials()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	s.Empty(s.recorder.Messages())
	s.Contains(s.hook.LastEntry().Message, "not in range")
}

func (s *BridgeTestSuite) TestInvalidTopicLevels() {
	for _, topic := range []string{
		"/ble/write/puck/nus",
		"/ble/write/puck",
		"/ble/notify/puck",
		"/ble/ping/puck/nus/nus_tx",
		"/ble/read/puck/nus",
		"/ble/read",
	} {
		s.hook.Reset()
		s.Require().NoError(s.recorder.Deliver(topic, []byte("1")), topic)
		s.Require().NotNil(s.hook.LastEntry(), topic)
		s.Equal("Invalid number of topic levels", s.hook.LastEntry().Message, topic)
	}
	s.Empty(s.radio.Dials())
}

func (s *BridgeTestSuite) TestRead() {
	s.Require().NoError(s.recorder.Deliver("/ble/read/puck/180f/2a19", nil))

	s.Equal(string([]byte{93}), s.eventuallyPublished("/ble/data/puck/180f/2a19"))
}

func (s *BridgeTestSuite) TestReadServices() {
	s.Require().NoError(s.recorder.Deliver("/ble/read/puck", nil))

	var services []serviceJSON
	s.Require().NoError(json.Unmarshal([]byte(s.eventuallyPublished("/ble/data/puck")), &services))
	s.Require().Len(services, 2)
	s.Equal("180f", services[0].UUID)
	s.Equal("Battery Percentage", services[0].Name)
	s.Equal(nusSvc, services[1].UUID)
	s.Equal("nus", services[1].Name)
	s.Equal([]string{"write", "writeWithoutResponse"}, services[1].Characteristics[0].Properties)
}

func (s *BridgeTestSuite) TestNotify() {
	s.Require().NoError(s.recorder.Deliver("/ble/notify/puck/nus/nus_rx", nil))
	link := s.radio.Link(puckAddr)
	s.Require().Eventually(func() bool { return link.SubscribeCalls() == 1 }, waitFor, 5*time.Millisecond)

	s.True(link.Notify(nusSvc, nusRX, []byte("=undefined\r\n")))
	s.Equal("=undefined\r\n", s.recorder.Payload("/ble/data/puck/nus/nus_rx"))
}

func (s *BridgeTestSuite) TestPing() {
	s.Require().NoError(s.recorder.Deliver("/ble/ping/puck", []byte("hello")))

	s.Equal("hello", s.eventuallyPublished("/ble/pong/puck"))
	s.Equal(1, s.radio.DialCount(puckAddr))
}

func (s *BridgeTestSuite) TestFailuresAreNotPublished() {
	s.Require().NoError(s.recorder.Deliver("/ble/write/puck/nus/ffe1", []byte("x")))

	s.Eventually(func() bool {
		for _, e := range s.hook.AllEntries() {
			if e.Message == "write failed" {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
	s.Zero(s.recorder.Count("/ble/written/puck/nus/ffe1"))
}

func TestBridgeTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}
