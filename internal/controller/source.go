package controller

import (
	"sync"
	"time"

	"github.com/basket/homerules/internal/devices"
	"github.com/basket/homerules/internal/suntime"
)

// source implements pattern.Source over the controller's device catalog,
// retained-topic cache and sun times. The controller loop writes under the
// lock; runner goroutines read through snapshot copies, so an in-flight run
// never observes a half-updated device.
type source struct {
	controller *Controller

	mu      sync.RWMutex
	catalog *devices.Catalog
	topics  map[string][]byte
	sun     *suntime.Sun
}

func newSource(c *Controller) *source {
	return &source{
		controller: c,
		catalog:    devices.NewCatalog(),
		topics:     make(map[string][]byte),
	}
}

func (s *source) FindDevice(endpoint string) (*devices.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.catalog.Find(endpoint)
	if !ok {
		return nil, false
	}
	return snapshotDevice(device), true
}

func (s *source) TopicPayload(topic string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payload, ok := s.topics[topic]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), payload...), true
}

func (s *source) State(name string) (any, bool) {
	return s.controller.store.State(name)
}

func (s *source) Sunrise() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sun.Sunrise()
}

func (s *source) Sunset() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sun.Sunset()
}

func (s *source) Now() time.Time {
	return s.controller.now()
}

// setTopicPayload records a retained payload and returns the previous one.
func (s *source) setTopicPayload(topic string, payload []byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.topics[topic]
	s.topics[topic] = payload
	return previous, ok
}

func (s *source) hasTopic(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.topics[topic]
	return ok
}

func (s *source) clearDevices() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog.Clear()
}

// withCatalog runs a mutation under the write lock.
func (s *source) withCatalog(mutate func(catalog *devices.Catalog)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(s.catalog)
}

func snapshotDevice(device *devices.Device) *devices.Device {
	snapshot := devices.NewDevice(device.Key, device.Topic, device.Name)
	for endpointID, properties := range device.Properties {
		copied := make(map[string]any, len(properties))
		for key, value := range properties {
			copied[key] = value
		}
		snapshot.Properties[endpointID] = copied
	}
	return snapshot
}
