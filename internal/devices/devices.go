// Package devices tracks the endpoints exposed by sibling services. The
// catalog is owned by the controller loop; nothing here is safe for
// concurrent mutation.
package devices

import (
	"fmt"
	"strconv"
	"strings"
)

// ServiceTypes are the sibling service families whose inventories the
// controller follows.
var ServiceTypes = []string{"zigbee", "modbus", "custom"}

// KnownServiceType reports whether the first path segment of a service
// topic names a followed service family.
func KnownServiceType(serviceType string) bool {
	for _, known := range ServiceTypes {
		if serviceType == known {
			return true
		}
	}
	return false
}

// Device is one known endpoint container. Key is "<service-type>/<id>";
// Topic is where the owning service currently publishes it. Properties maps
// endpoint index to the last observed property values.
type Device struct {
	Key        string
	Topic      string
	Name       string
	Properties map[int]map[string]any
}

func NewDevice(key, topic, name string) *Device {
	return &Device{
		Key:        key,
		Topic:      topic,
		Name:       name,
		Properties: make(map[int]map[string]any),
	}
}

// Property returns the named property of the given endpoint.
func (d *Device) Property(endpointID int, name string) (any, bool) {
	value, ok := d.Properties[endpointID][name]
	return value, ok
}

// SetProperties merges incoming data into an endpoint's property map and
// returns the previous map for delta computation. Transient one-shot keys
// never persist, though the caller still fans their values out as triggers.
func (d *Device) SetProperties(endpointID int, data map[string]any) map[string]any {
	previous := d.Properties[endpointID]

	merged := make(map[string]any, len(previous)+len(data))
	for key, value := range previous {
		merged[key] = value
	}
	for key, value := range data {
		merged[key] = value
	}
	for _, transient := range []string{"action", "event", "scene"} {
		delete(merged, transient)
	}

	d.Properties[endpointID] = merged
	return previous
}

// Catalog is the set of known devices, keyed and iterated in insertion order.
type Catalog struct {
	devices map[string]*Device
	order   []string
}

func NewCatalog() *Catalog {
	return &Catalog{devices: make(map[string]*Device)}
}

func (c *Catalog) Get(key string) (*Device, bool) {
	device, ok := c.devices[key]
	return device, ok
}

func (c *Catalog) Add(device *Device) {
	if _, exists := c.devices[device.Key]; !exists {
		c.order = append(c.order, device.Key)
	}
	c.devices[device.Key] = device
}

// Clear drops every known device, e.g. after an MQTT reconnect.
func (c *Catalog) Clear() {
	c.devices = make(map[string]*Device)
	c.order = nil
}

// All returns the devices in insertion order.
func (c *Catalog) All() []*Device {
	all := make([]*Device, 0, len(c.order))
	for _, key := range c.order {
		all = append(all, c.devices[key])
	}
	return all
}

// Find resolves an endpoint search string to a device. It matches the
// device key, a key prefix, the topic, a topic prefix, or the
// "<type>/<name>" form with a case-insensitive name.
func (c *Catalog) Find(search string) (*Device, bool) {
	parts := strings.Split(search, "/")

	for _, key := range c.order {
		device := c.devices[key]

		if search == device.Key || strings.HasPrefix(search, device.Key+"/") ||
			search == device.Topic || strings.HasPrefix(search, device.Topic+"/") {
			return device, true
		}

		if len(parts) >= 2 &&
			strings.SplitN(device.Key, "/", 2)[0] == strings.ToLower(strings.TrimSpace(parts[0])) &&
			strings.EqualFold(device.Name, strings.TrimSpace(parts[1])) {
			return device, true
		}
	}

	return nil, false
}

// EndpointID extracts the numeric endpoint index from an endpoint spec of
// the form "<service>/<name>[/<index>]". Specs without an index resolve to
// endpoint 0.
func EndpointID(endpoint string) int {
	parts := strings.Split(endpoint, "/")
	if len(parts) <= 2 {
		return 0
	}

	id, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0
	}
	return id
}

// IdentityFrom extracts the service-specific device id from an inventory
// entry, per service family.
func IdentityFrom(serviceType string, entry map[string]any) string {
	switch serviceType {
	case "zigbee":
		id, _ := entry["ieeeAddress"].(string)
		return id
	case "modbus":
		port, _ := entry["portId"].(float64)
		slave, _ := entry["slaveId"].(float64)
		return fmt.Sprintf("%d.%d", int(port), int(slave))
	case "custom":
		id, _ := entry["id"].(string)
		return id
	}
	return ""
}
