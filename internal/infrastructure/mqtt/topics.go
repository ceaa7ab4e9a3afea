package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefixSystem is the base for service status topics.
const TopicPrefixSystem = "smartaccess/system"

// Topics provides builders for the topics the pipeline publishes and
// subscribes to.
//
//	topic := mqtt.Topics{}.DeviceEvent("smartaccess.events", deviceUUID, "DEVICE_CONNECTED")
//	// Returns: "smartaccess.events/devices/<uuid>/device_connected"
type Topics struct{}

// DeviceEvent returns the topic a device publishes a wire event on.
func (Topics) DeviceEvent(exchange, deviceUUID, eventType string) string {
	return fmt.Sprintf("%s/devices/%s/%s", exchange, deviceUUID, strings.ToLower(eventType))
}

// AllDeviceEvents returns the wildcard covering every device event below exchange.
func (Topics) AllDeviceEvents(exchange string) string {
	return exchange + "/devices/#"
}

// AllDomainEvents returns the wildcard covering every outbox-published
// domain event below prefix.
func (Topics) AllDomainEvents(prefix string) string {
	return prefix + "/#"
}

// Shared wraps filter in a shared subscription so the broker load-balances
// messages across every client in group.
func (Topics) Shared(group, filter string) string {
	return fmt.Sprintf("$share/%s/%s", group, filter)
}

// ServiceStatus returns the retained online/offline topic for a client.
//
// Example: smartaccess/system/status/smartaccess-core
func (Topics) ServiceStatus(clientID string) string {
	return fmt.Sprintf("%s/status/%s", TopicPrefixSystem, clientID)
}
