// Package bridge maps MQTT command topics onto GATT operations.
//
//	<prefix>/write/<id>/<svc>/<char>   payload -> <prefix>/written/<id>/<svc>/<char>
//	<prefix>/read/<id>/<svc>/<char>            -> <prefix>/data/<id>/<svc>/<char>
//	<prefix>/read/<id>                         -> <prefix>/data/<id>  (service list)
//	<prefix>/notify/<id>/<svc>/<char>          -> <prefix>/data/<id>/<svc>/<char> per notification
//	<prefix>/ping/<id>                 payload -> <prefix>/pong/<id>
package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehub/internal/attributes"
	"github.com/srg/blehub/internal/connect"
	"github.com/srg/blehub/internal/device"
	"github.com/srg/blehub/internal/mqtt"
	"github.com/srg/blehub/internal/registry"
)

// Connector runs GATT operations asynchronously. *connect.Manager implements it.
type Connector interface {
	Write(addr, svc, char string, payload []byte, cb func(error))
	Read(addr, svc, char string, cb func([]byte, error))
	ReadServices(addr string, cb func([]device.ServiceInfo, error))
	Notify(addr, svc, char string, onData func([]byte), cb func(error))
	Ping(addr string, cb func(error))
}

// Presence tells whether a device is currently advertising. *scanner.Scanner implements it.
type Presence interface {
	InRange(addr string) bool
}

var _ Connector = (*connect.Manager)(nil)

// Bridge routes inbound command topics to a Connector and publishes the results.
type Bridge struct {
	bus      mqtt.Bus
	conn     Connector
	presence Presence
	registry *registry.Registry
	topics   mqtt.Topics
	log      *logrus.Entry
}

// New creates a bridge for topics under prefix.
func New(bus mqtt.Bus, conn Connector, presence Presence, reg *registry.Registry, prefix string, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bridge{
		bus:      bus,
		conn:     conn,
		presence: presence,
		registry: reg,
		topics:   mqtt.Topics{Prefix: prefix},
		log:      logger.WithField("component", "bridge"),
	}
}

// Start subscribes to the command topics.
func (b *Bridge) Start() error {
	for _, verb := range []string{"write", "read", "notify", "ping"} {
		if err := b.bus.Subscribe(b.topics.Command(verb), b.handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", verb, err)
		}
	}
	return nil
}

// command is a parsed inbound topic.
type command struct {
	verb string
	id   string   // as written in the topic, echoed in results
	path []string // levels after the verb
	addr string
	svc  string
	char string
}

func (b *Bridge) handle(topic string, payload []byte) error {
	levels, ok := b.topics.Relative(topic)
	if !ok {
		return nil
	}
	log := b.log.WithField("topic", topic)
	if len(levels) < 2 {
		log.Warn("Invalid number of topic levels")
		return nil
	}
	cmd := command{verb: levels[0], id: levels[1], path: levels[1:]}

	switch {
	case len(cmd.path) == 3 && cmd.verb != "ping":
		cmd.svc = attributes.Lookup(cmd.path[1])
		cmd.char = attributes.Lookup(cmd.path[2])
	case len(cmd.path) == 1 && (cmd.verb == "ping" || cmd.verb == "read"):
	default:
		log.Warn("Invalid number of topic levels")
		return nil
	}

	cmd.addr = b.registry.ResolveAddress(cmd.id)
	if !b.presence.InRange(cmd.addr) {
		log.WithField("address", cmd.addr).Infof("%s to %s but not in range", cmd.verb, cmd.id)
		return nil
	}

	switch cmd.verb {
	case "write":
		return b.write(cmd, payload)
	case "read":
		if cmd.svc == "" {
			b.readServices(cmd)
		} else {
			b.read(cmd)
		}
	case "notify":
		b.notify(cmd)
	case "ping":
		b.ping(cmd, payload)
	}
	return nil
}

// convertMessage parses payload as JSON, falling back to the plain string.
func convertMessage(payload []byte) any {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	return v
}

func (b *Bridge) write(cmd command, payload []byte) error {
	data, err := connect.EncodePayload(convertMessage(payload))
	if err != nil {
		return fmt.Errorf("write to %s: %w", cmd.id, err)
	}
	b.conn.Write(cmd.addr, cmd.svc, cmd.char, data, func(err error) {
		if err != nil {
			b.logFailure(cmd, err)
			return
		}
		b.publish(b.topics.Result("written", cmd.path...), payload)
	})
	return nil
}

func (b *Bridge) read(cmd command) {
	b.conn.Read(cmd.addr, cmd.svc, cmd.char, func(data []byte, err error) {
		if err != nil {
			b.logFailure(cmd, err)
			return
		}
		b.publish(b.topics.Result("data", cmd.path...), data)
	})
}

type characteristicJSON struct {
	UUID       string   `json:"uuid"`
	Name       string   `json:"name,omitempty"`
	Properties []string `json:"properties"`
}

type serviceJSON struct {
	UUID            string               `json:"uuid"`
	Name            string               `json:"name,omitempty"`
	Characteristics []characteristicJSON `json:"characteristics"`
}

func (b *Bridge) readServices(cmd command) {
	b.conn.ReadServices(cmd.addr, func(services []device.ServiceInfo, err error) {
		if err != nil {
			b.logFailure(cmd, err)
			return
		}
		out := make([]serviceJSON, 0, len(services))
		for _, svc := range services {
			item := serviceJSON{UUID: svc.UUID, Characteristics: []characteristicJSON{}}
			item.Name, _ = attributes.Name(svc.UUID)
			for _, c := range svc.Characteristics {
				name, _ := attributes.Name(c.UUID)
				item.Characteristics = append(item.Characteristics, characteristicJSON{
					UUID:       c.UUID,
					Name:       name,
					Properties: c.Properties.Names(),
				})
			}
			out = append(out, item)
		}
		body, err := json.Marshal(out)
		if err != nil {
			b.logFailure(cmd, err)
			return
		}
		b.publish(b.topics.Result("data", cmd.id), body)
	})
}

func (b *Bridge) notify(cmd command) {
	topic := b.topics.Result("data", cmd.path...)
	b.conn.Notify(cmd.addr, cmd.svc, cmd.char, func(data []byte) {
		b.publish(topic, data)
	}, func(err error) {
		if err != nil {
			b.logFailure(cmd, err)
		}
	})
}

func (b *Bridge) ping(cmd command, payload []byte) {
	b.conn.Ping(cmd.addr, func(err error) {
		if err != nil {
			b.logFailure(cmd, err)
			return
		}
		b.publish(b.topics.Result("pong", cmd.id), payload)
	})
}

func (b *Bridge) logFailure(cmd command, err error) {
	b.log.WithError(err).WithFields(logrus.Fields{
		"address":        cmd.addr,
		"service":        cmd.svc,
		"characteristic": cmd.char,
	}).Warnf("%s failed", cmd.verb)
}

func (b *Bridge) publish(topic string, payload []byte) {
	if err := b.bus.Publish(topic, payload, false); err != nil {
		b.log.WithError(err).WithField("topic", topic).Warn("Publish failed")
	}
}
