package controller

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/basket/homerules/internal/devices"
	"github.com/basket/homerules/internal/mqtt"
)

// handleMessage routes one inbound MQTT publish. A topic can be both a
// rule-referenced subscription and a service topic; the rule path runs
// first so mqtt triggers see the transition.
func (c *Controller) handleMessage(ctx context.Context, message mqtt.Message) {
	if _, subscribed := c.subscriptions[message.Topic]; subscribed {
		previous, _ := c.source.setTopicPayload(message.Topic, message.Payload)
		c.mqttTriggered(message.Topic, previous, message.Payload)
	}

	prefix := ""
	if p := c.cfg.MQTT.Prefix; p != "" {
		prefix = p + "/"
	}
	if !strings.HasPrefix(message.Topic, prefix) {
		return
	}
	subTopic := strings.TrimPrefix(message.Topic, prefix)

	switch {
	case subTopic == "command/"+ServiceTopic:
		c.handleCommand(ctx, message.Payload)

	case strings.HasPrefix(subTopic, "service/"):
		c.handleService(ctx, strings.TrimPrefix(subTopic, "service/"), message.Payload)

	case strings.HasPrefix(subTopic, "status/"):
		c.handleStatus(ctx, strings.TrimPrefix(subTopic, "status/"), message.Payload)

	case strings.HasPrefix(subTopic, "fd/"):
		c.handleDeviceData(strings.TrimPrefix(subTopic, "fd/"), message.Payload)
	}
}

// handleCommand executes the service command protocol.
func (c *Controller) handleCommand(ctx context.Context, payload []byte) {
	var command struct {
		Action     string         `json:"action"`
		Automation string         `json:"automation"`
		State      string         `json:"state"`
		Data       map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &command); err != nil {
		c.logger.Warn("malformed command", "error", err)
		return
	}

	switch command.Action {
	case "restartService":
		c.logger.Warn("restart request received")
		c.client.Publish(ctx, c.client.Topic("command/"+ServiceTopic), []byte("{}"), true)
		c.restart = true

	case "updateAutomation":
		c.updateAutomation(ctx, command.Automation, command.Data)

	case "removeAutomation":
		if a, index := c.store.ByUUID(command.Automation); index >= 0 {
			c.abortRunners(a)
			c.store.RemoveAt(index)
			c.logger.Info("automation removed", "automation", a.Name)
			c.publishEvent(ctx, a.Name, "removed")
			c.store.Schedule(true)
		}

	case "removeState":
		if c.store.RemoveState(command.State) {
			c.store.Schedule(true)
		}
	}
}

func (c *Controller) updateAutomation(ctx context.Context, id string, data map[string]any) {
	name, _ := data["name"].(string)
	name = strings.TrimSpace(name)

	existing, index := c.store.ByUUID(id)
	other := c.store.ByName(name)

	if other != nil && other != existing {
		c.logger.Warn("automation update failed, name already in use", "name", name)
		c.publishEvent(ctx, name, "nameDuplicate")
		return
	}

	if existing != nil {
		c.abortRunners(existing)
		data["uuid"] = existing.UUID
	}

	parsed := c.store.Parse(data, existing == nil)
	if parsed == nil {
		c.logger.Warn("automation update failed, data is incomplete", "name", name)
		c.publishEvent(ctx, name, "incompleteData")
		return
	}

	if index >= 0 {
		c.store.ReplaceAt(index, parsed)
		c.logger.Info("automation updated", "automation", parsed.Name)
		c.publishEvent(ctx, parsed.Name, "updated")
	} else {
		c.store.Append(parsed)
		c.logger.Info("automation added", "automation", parsed.Name)
		c.publishEvent(ctx, parsed.Name, "added")
	}

	c.store.Schedule(true)
}

// handleService reacts to sibling service heartbeats: follow the device
// inventory of services that come online; for those that leave, unsubscribe
// from their devices and clear the device topics (the devices stay in the
// catalog).
func (c *Controller) handleService(ctx context.Context, service string, payload []byte) {
	serviceType := strings.SplitN(service, "/", 2)[0]
	if !devices.KnownServiceType(serviceType) {
		return
	}

	var heartbeat struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &heartbeat); err != nil {
		return
	}

	if heartbeat.Status == "online" {
		c.client.Subscribe(ctx, c.client.Topic("status/"+service))
		return
	}

	c.source.withCatalog(func(catalog *devices.Catalog) {
		for _, device := range catalog.All() {
			if !strings.HasPrefix(device.Topic, service+"/") {
				continue
			}
			c.client.Unsubscribe(ctx,
				c.client.Topic("fd/"+device.Topic),
				c.client.Topic("fd/"+device.Topic+"/#"))
			device.Topic = ""
		}
	})

	c.client.Unsubscribe(ctx, c.client.Topic("status/"+service))
}

// handleStatus reconciles a service's device inventory: new and renamed
// devices get fd subscriptions and a full property dump request.
func (c *Controller) handleStatus(ctx context.Context, service string, payload []byte) {
	serviceType := strings.SplitN(service, "/", 2)[0]
	if !devices.KnownServiceType(serviceType) {
		return
	}

	var status struct {
		Devices []map[string]any `json:"devices"`
		Names   bool             `json:"names"`
	}
	if err := json.Unmarshal(payload, &status); err != nil {
		return
	}

	for _, entry := range status.Devices {
		if serviceType == "zigbee" {
			if removed, _ := entry["removed"].(bool); removed {
				continue
			}
			if logical, _ := entry["logicalType"].(float64); logical == 0 {
				continue
			}
		}

		id := devices.IdentityFrom(serviceType, entry)
		if id == "" {
			continue
		}

		name, _ := entry["name"].(string)
		if name == "" {
			name = id
		}

		key := serviceType + "/" + id
		topicName := name
		if !status.Names {
			topicName = id
		}
		topic := service + "/" + topicName

		var subscribe bool
		c.source.withCatalog(func(catalog *devices.Catalog) {
			device, known := catalog.Get(key)

			if known && device.Topic != topic {
				if device.Topic != "" {
					c.client.Unsubscribe(ctx,
						c.client.Topic("fd/"+device.Topic),
						c.client.Topic("fd/"+device.Topic+"/#"))
				}
				device.Topic = topic
				device.Name = name
				subscribe = true
			}

			if !known {
				catalog.Add(devices.NewDevice(key, topic, name))
				subscribe = true
			}
		})

		if subscribe {
			c.client.Subscribe(ctx,
				c.client.Topic("fd/"+topic),
				c.client.Topic("fd/"+topic+"/#"))

			request, _ := json.Marshal(map[string]any{
				"action":  "getProperties",
				"device":  topicName,
				"service": ServiceTopic,
			})
			c.client.Publish(ctx, c.client.Topic("command/"+service), request, false)
		}
	}
}

// handleDeviceData merges an fd payload into the device's endpoint map and
// fans out a property trigger for every reported key.
func (c *Controller) handleDeviceData(endpoint string, payload []byte) {
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return
	}

	endpointID := devices.EndpointID(endpoint)

	var key string
	var previous map[string]any
	found := false

	c.source.withCatalog(func(catalog *devices.Catalog) {
		device, ok := catalog.Find(endpoint)
		if !ok {
			return
		}
		found = true
		key = device.Key
		previous = device.SetProperties(endpointID, data)
	})

	if !found {
		return
	}

	triggerEndpoint := key
	if endpointID != 0 {
		triggerEndpoint = key + "/" + endpoint[strings.LastIndex(endpoint, "/")+1:]
	}

	for property, value := range data {
		c.propertyTriggered(triggerEndpoint, property, previous[property], value)
	}
}
