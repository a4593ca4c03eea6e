// Package mqtt wraps paho.mqtt.golang for the bridge.
//
// The client publishes a retained "online" to <prefix>/state on every connect
// and registers a retained "offline" last will. Subscriptions are tracked and
// restored after an automatic reconnect. Handlers are wrapped with panic
// recovery so a faulty consumer cannot take the network goroutine down.
//
// Components depend on the Publisher and Subscriber interfaces rather than on
// *Client so they can be exercised against an in-memory bus.
package mqtt
