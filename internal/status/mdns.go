package status

import (
	"fmt"
	"os"

	"github.com/enbility/zeroconf/v3"
)

const (
	mdnsService = "_http._tcp"
	mdnsDomain  = "local."
)

// Advertise announces the status page over mDNS. Shut the returned server down on exit.
func Advertise(port int) (*zeroconf.Server, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "blehub"
	}
	instance := "blehub on " + host
	server, err := zeroconf.Register(instance, mdnsService, mdnsDomain, port, []string{"path=/"}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	return server, nil
}
