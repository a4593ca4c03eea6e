package scanner

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehub/internal/attributes"
	"github.com/srg/blehub/internal/device"
	"github.com/srg/blehub/internal/mqtt"
	"github.com/srg/blehub/internal/registry"
)

// advertisement is the JSON body of <prefix>/advertise/<id>.
type advertisement struct {
	RSSI             int      `json:"rssi"`
	Name             string   `json:"name,omitempty"`
	ManufacturerData string   `json:"manufacturerData,omitempty"`
	ServiceUUIDs     []string `json:"serviceUuids,omitempty"`
}

// handle runs the per-packet pipeline. It is only called from the intake consumer.
func (s *Scanner) handle(adv device.Advertisement) {
	s.packets.Add(1)
	s.total.Add(1)

	addr := device.NormalizeAddress(adv.Addr())
	if s.opts.OnlyKnown {
		if dev, ok := s.registry.Lookup(addr); !ok || !dev.Known() {
			return
		}
	}

	dev := s.registry.GetByMac(addr)
	if adv.RSSI() < dev.MinRSSI() {
		return
	}

	now := s.now()
	var (
		rec      *record
		existing bool
	)
	for {
		rec, existing = s.records.GetOrInsert(addr, newRecord(dev))
		if rec.touch(adv, now) {
			break
		}
		// evicted by the sweep in the meantime; its entry is already deleted
	}
	if !existing {
		s.publish(dev.PresenceTopic(), []byte("1"), true)
		s.log.WithFields(logrus.Fields{
			"address": addr,
			"name":    dev.Name(),
			"rssi":    adv.RSSI(),
		}).Info("Device entered range")
	}

	s.publishAdvertisement(dev, adv)

	for _, sd := range adv.ServiceData() {
		s.handleServiceData(dev, rec, adv.LocalName(), sd, now)
	}
}

func (s *Scanner) publishAdvertisement(dev *registry.Device, adv device.Advertisement) {
	topic := dev.AdvertiseTopic()
	body := advertisement{
		RSSI:         adv.RSSI(),
		Name:         adv.LocalName(),
		ServiceUUIDs: adv.Services(),
	}

	md := adv.ManufacturerData()
	if len(md) > 0 {
		body.ManufacturerData = hex.EncodeToString(md)
	}
	s.publishJSON(topic, body)

	if len(md) >= 2 {
		// company identifier is little-endian
		code := fmt.Sprintf("%02x%02x", md[1], md[0])
		s.publishJSON(mqtt.Join(topic, "manufacturer", code), hex.EncodeToString(md[2:]))
	}

	s.publishJSON(mqtt.Join(topic, "rssi"), adv.RSSI())
}

func (s *Scanner) handleServiceData(dev *registry.Device, rec *record, localName string, sd device.ServiceData, now time.Time) {
	uuid := device.NormalizeUUID(sd.UUID)
	if _, skip := s.exclude[uuid]; skip {
		return
	}
	if len(s.include) > 0 {
		if _, ok := s.include[uuid]; !ok {
			return
		}
	}
	if !rec.changed(uuid, sd.Data, now, s.opts.DedupeWindow) {
		return
	}

	s.publishJSON(mqtt.Join(dev.AdvertiseTopic(), uuid), attributes.Bytes(sd.Data))

	res := s.decoder.Decode(uuid, sd.Data, dev)
	if !res.Decoded() {
		return
	}
	reading := res.Reading
	if attributes.IsErrorReading(reading) {
		msg, _ := reading.Get("error")
		s.log.WithFields(logrus.Fields{
			"address": dev.Address(),
			"service": uuid,
			"error":   msg,
		}).Warn("Failed to decode service data")
		return
	}

	dev.FilterAttributes(reading)
	if reading.Len() == 0 {
		return
	}

	if s.opts.LegacyTopics {
		for pair := reading.Oldest(); pair != nil; pair = pair.Next() {
			value, err := attributes.ValueJSON(pair.Value)
			if err != nil {
				continue
			}
			s.publish(mqtt.Join(dev.AdvertiseTopic(), pair.Key), value, false)
			s.publish(s.topics.Legacy(pair.Key, dev.Name()), value, false)
		}
	}

	if s.opts.JSONState {
		// cache_state keeps the merged state on the broker for late subscribers
		s.publishJSONRetained(mqtt.Join(dev.JSONTopic(), uuid), dev.MergeState(uuid, reading), dev.CacheState())
	}

	if s.announcer != nil {
		s.announcer.Announce(dev, localName, uuid, reading)
	}
}

func (s *Scanner) publishJSON(topic string, v any) {
	s.publishJSONRetained(topic, v, false)
}

func (s *Scanner) publishJSONRetained(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.WithError(err).WithField("topic", topic).Warn("Failed to encode payload")
		return
	}
	s.publish(topic, payload, retained)
}

func (s *Scanner) publish(topic string, payload []byte, retained bool) {
	if err := s.pub.Publish(topic, payload, retained); err != nil {
		s.log.WithError(err).WithField("topic", topic).Debug("Publish failed")
	}
}
