// Package homeassistant publishes MQTT discovery configs so decoded advertisement
// values show up as Home Assistant sensors.
package homeassistant

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehub/internal/attributes"
	"github.com/srg/blehub/internal/mqtt"
	"github.com/srg/blehub/internal/registry"
)

const (
	discoveryPrefix = "homeassistant"
	swVersion       = "blehub"
)

// deviceType is the per-key part of a discovery config.
type deviceType struct {
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	Icon              string `json:"icon,omitempty"`
	OffDelay          int    `json:"off_delay,omitempty"`
}

var deviceTypes = map[string]deviceType{
	"temp":         {UnitOfMeasurement: "°C", DeviceClass: "temperature"},
	"temperature":  {UnitOfMeasurement: "°C", DeviceClass: "temperature"},
	"humidity":     {UnitOfMeasurement: "%", DeviceClass: "humidity"},
	"pressure":     {UnitOfMeasurement: "hPa", DeviceClass: "pressure"},
	"steps":        {UnitOfMeasurement: "steps", Icon: "mdi:walk"},
	"heartRate":    {UnitOfMeasurement: "bpm", Icon: "mdi:heart-pulse"},
	"weight":       {UnitOfMeasurement: "kg", Icon: "mdi:scale-bathroom"},
	"battery":      {UnitOfMeasurement: "%", DeviceClass: "battery"},
	"illuminance":  {UnitOfMeasurement: "lx", DeviceClass: "illuminance"},
	"light":        {DeviceClass: "light"},
	"moisture":     {UnitOfMeasurement: "%", Icon: "mdi:water-percent"},
	"motion":       {DeviceClass: "motion", OffDelay: 30},
	"conductivity": {UnitOfMeasurement: "µS/cm", Icon: "mdi:flower"},
	"rssi":         {UnitOfMeasurement: "dBm", DeviceClass: "signal_strength"},
	"digital":      {},
	"analog":       {},
	"level":        {},
	"alert":        {},
	"data":         {},
}

// binaryKeys are published as binary_sensor with an ON/OFF template.
var binaryKeys = map[string]bool{
	"digital": true,
	"motion":  true,
	"light":   true,
}

// Config is the discovery payload.
type Config struct {
	deviceType
	StateTopic          string         `json:"state_topic"`
	ValueTemplate       string         `json:"value_template"`
	JSONAttributesTopic string         `json:"json_attributes_topic"`
	Name                string         `json:"name"`
	UniqueID            string         `json:"unique_id"`
	Device              DeviceInfo     `json:"device"`
	Availability        []Availability `json:"availability"`
}

type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
}

type Availability struct {
	Topic               string `json:"topic"`
	PayloadAvailable    string `json:"payload_available,omitempty"`
	PayloadNotAvailable string `json:"payload_not_available,omitempty"`
}

// Discovery announces each (device, service, key) once per broker session.
type Discovery struct {
	pub      mqtt.Publisher
	topics   mqtt.Topics
	clientID string
	log      *logrus.Entry

	mu   sync.Mutex
	sent map[string]struct{}
}

// New creates a Discovery. A non-empty clientID is appended to ids and names so that
// several bridges can feed the same Home Assistant.
func New(pub mqtt.Publisher, prefix, clientID string, logger *logrus.Logger) *Discovery {
	if logger == nil {
		logger = logrus.New()
	}
	return &Discovery{
		pub:      pub,
		topics:   mqtt.Topics{Prefix: prefix},
		clientID: clientID,
		log:      logger.WithField("component", "homeassistant"),
		sent:     make(map[string]struct{}),
	}
}

// Reset forgets what was announced; call it when the broker session restarts.
func (d *Discovery) Reset() {
	d.mu.Lock()
	d.sent = make(map[string]struct{})
	d.mu.Unlock()
}

// Announce publishes configs for the keys of r that have a known device type.
func (d *Discovery) Announce(dev *registry.Device, localName, serviceID string, r *attributes.Reading) {
	if r == nil {
		return
	}
	var productName string
	if v, ok := r.Get("productName"); ok {
		productName, _ = v.(string)
	}

	for pair := r.Oldest(); pair != nil; pair = pair.Next() {
		key := pair.Key
		if _, ok := deviceTypes[key]; !ok {
			continue
		}
		if !d.claim(dev.Address() + "|" + serviceID + "|" + key) {
			continue
		}

		topic, cfg := d.config(dev, localName, productName, serviceID, key)
		payload, err := json.Marshal(cfg)
		if err != nil {
			d.log.WithError(err).WithField("key", key).Warn("Failed to encode discovery config")
			continue
		}
		if err := d.pub.Publish(topic, payload, true); err != nil {
			d.log.WithError(err).WithField("topic", topic).Debug("Publish failed")
			d.release(dev.Address() + "|" + serviceID + "|" + key)
			continue
		}
		d.log.WithFields(logrus.Fields{"device": dev.Name(), "key": key}).Debug("Announced to Home Assistant")
	}
}

func (d *Discovery) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sent[id]; ok {
		return false
	}
	d.sent[id] = struct{}{}
	return true
}

func (d *Discovery) release(id string) {
	d.mu.Lock()
	delete(d.sent, id)
	d.mu.Unlock()
}

// objectID is the address without separators, as Home Assistant node ids allow only [a-zA-Z0-9_-].
func objectID(addr string) string {
	return strings.ReplaceAll(addr, ":", "")
}

func joinKey(parts ...string) string {
	return strings.ReplaceAll(strings.Join(parts, "_"), "/", "")
}

func (d *Discovery) config(dev *registry.Device, localName, productName, serviceID, key string) (string, Config) {
	node := objectID(dev.Address())

	component := "sensor"
	template := fmt.Sprintf("{{ value_json.%s }}", key)
	if binaryKeys[key] {
		component = "binary_sensor"
		template = fmt.Sprintf(`{{ "ON" if float(value_json.%s) != 0 else "OFF" }}`, key)
	}

	stateTopic := mqtt.Join(dev.JSONTopic(), serviceID)
	cfg := Config{
		deviceType:          deviceTypes[key],
		StateTopic:          stateTopic,
		ValueTemplate:       template,
		JSONAttributesTopic: stateTopic,
		Name:                joinKey(node, serviceID, key),
		UniqueID:            joinKey(d.topics.Prefix, node, serviceID, key),
		Device: DeviceInfo{
			Identifiers:  []string{dev.Address()},
			Name:         dev.Address(),
			SWVersion:    swVersion,
			Model:        "-",
			Manufacturer: "-",
		},
		Availability: []Availability{
			{Topic: dev.PresenceTopic(), PayloadAvailable: "1", PayloadNotAvailable: "0"},
			{Topic: d.topics.State(), PayloadAvailable: "online", PayloadNotAvailable: "offline"},
		},
	}
	if d.clientID != "" {
		cfg.UniqueID += "_" + d.clientID
		cfg.Name += "_" + d.clientID
		cfg.Device.Identifiers[0] += "_" + d.clientID
	}
	if localName != "" {
		cfg.Device.Name = localName
	}
	if productName != "" {
		cfg.Device.Model = productName
		cfg.Device.Manufacturer = "Xiaomi"
	}

	topic := mqtt.Join(discoveryPrefix, component, node, serviceID+"_"+key, "config")
	return topic, cfg
}
