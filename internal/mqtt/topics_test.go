package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicBuilders(t *testing.T) {
	topics := Topics{Prefix: "/ble"}

	assert.Equal(t, "/ble/state", topics.State())
	assert.Equal(t, "/ble/write/#", topics.Command("write"))
	assert.Equal(t, "/ble/written/kitchen/nus/nus_tx", topics.Result("written", "kitchen", "nus", "nus_tx"))
	assert.Equal(t, "/ble/pong/kitchen", topics.Result("pong", "kitchen"))
	assert.Equal(t, "/ble/battery/aa:bb:cc:dd:ee:ff", topics.Legacy("battery", "aa:bb:cc:dd:ee:ff"))
	assert.Equal(t, "/ble/#", topics.All())
}

func TestTopics_Relative(t *testing.T) {
	topics := Topics{Prefix: "/ble"}

	levels, ok := topics.Relative("/ble/write/kitchen/nus/nus_tx")
	assert.True(t, ok)
	assert.Equal(t, []string{"write", "kitchen", "nus", "nus_tx"}, levels)

	_, ok = topics.Relative("/hist/minute/x")
	assert.False(t, ok)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		filter, topic string
		expected      bool
	}{
		{"/ble/#", "/ble/write/a/b/c", true},
		{"/ble/#", "/ble", true},
		{"/ble/write/#", "/ble/read/a", false},
		{"/ble/+/kitchen", "/ble/presence/kitchen", true},
		{"/ble/+/kitchen", "/ble/presence/garage", false},
		{"/ble/+", "/ble/a/b", false},
		{"/hist/#", "/hist/request/1", true},
		{"/ble/state", "/ble/state", true},
	}
	for _, tt := range tests {
		t.Run(tt.filter+" "+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.expected, Match(tt.filter, tt.topic))
		})
	}
}
