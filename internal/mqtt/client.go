// Package mqtt wraps the eclipse paho v5 connection manager behind the
// narrow surface the controller needs: prefix-aware publish, dynamic
// subscriptions that survive reconnects, and an inbound message channel
// drained by a single goroutine.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

const inboundBufferSize = 256

// Config holds the broker connection settings.
type Config struct {
	Broker   string
	Username string
	Password string
	ClientID string
	// Prefix namespaces every service topic, e.g. "homed".
	Prefix string
}

// Message is one inbound publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Client manages the broker connection. All inbound traffic funnels into
// Messages; reconnects are reported on Connected so the controller can
// replay its subscription set.
type Client struct {
	cfg    Config
	logger *slog.Logger

	cm        *autopaho.ConnectionManager
	messages  chan Message
	connected chan struct{}

	mu            sync.Mutex
	subscriptions map[string]struct{}
}

func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:           cfg,
		logger:        logger,
		messages:      make(chan Message, inboundBufferSize),
		connected:     make(chan struct{}, 1),
		subscriptions: make(map[string]struct{}),
	}
}

// Topic prepends the configured prefix to a subtopic.
func (c *Client) Topic(sub string) string {
	if c.cfg.Prefix == "" {
		return sub
	}
	return c.cfg.Prefix + "/" + sub
}

// Messages is the inbound publish stream.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Connected signals each (re-)established broker session.
func (c *Client) Connected() <-chan struct{} {
	return c.connected
}

// Start connects to the broker and keeps the connection alive until ctx is
// cancelled. It returns once the connection manager is running; the initial
// connection may still be in progress.
func (c *Client) Start(ctx context.Context, statusTopic string) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   statusTopic,
			Payload: []byte(`{"status":"offline"}`),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected", "broker", c.cfg.Broker)
			c.resubscribe(cm)
			select {
			case c.connected <- struct{}{}:
			default:
			}
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	pahoCfg.OnPublishReceived = []func(paho.PublishReceived) (bool, error){
		func(pr paho.PublishReceived) (bool, error) {
			select {
			case c.messages <- Message{Topic: pr.Packet.Topic, Payload: pr.Packet.Payload}:
			default:
				c.logger.Warn("mqtt inbound buffer full, dropping", "topic", pr.Packet.Topic)
			}
			return true, nil
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm

	return nil
}

// AwaitConnection blocks until the broker session is up or ctx expires.
func (c *Client) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return fmt.Errorf("mqtt client not started")
	}
	return c.cm.AwaitConnection(ctx)
}

// Stop disconnects cleanly.
func (c *Client) Stop(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	return c.cm.Disconnect(ctx)
}

// Publish sends a payload; publishes on a dead connection are dropped with
// a warning, matching the transient-error policy.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, retain bool) {
	if c.cm == nil {
		return
	}

	publishCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := c.cm.Publish(publishCtx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  retain,
	}); err != nil {
		c.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}

// Subscribe adds topic filters and remembers them for replay after a
// reconnect; autopaho does not resubscribe by itself.
func (c *Client) Subscribe(ctx context.Context, topics ...string) {
	c.mu.Lock()
	var fresh []string
	for _, topic := range topics {
		if _, ok := c.subscriptions[topic]; !ok {
			c.subscriptions[topic] = struct{}{}
			fresh = append(fresh, topic)
		}
	}
	c.mu.Unlock()

	if len(fresh) == 0 || c.cm == nil {
		return
	}
	c.send(ctx, fresh)
}

// Unsubscribe removes topic filters.
func (c *Client) Unsubscribe(ctx context.Context, topics ...string) {
	c.mu.Lock()
	for _, topic := range topics {
		delete(c.subscriptions, topic)
	}
	c.mu.Unlock()

	if c.cm == nil {
		return
	}

	unsubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := c.cm.Unsubscribe(unsubCtx, &paho.Unsubscribe{Topics: topics}); err != nil {
		c.logger.Warn("mqtt unsubscribe failed", "topics", topics, "error", err)
	}
}

func (c *Client) send(ctx context.Context, topics []string) {
	opts := make([]paho.SubscribeOptions, 0, len(topics))
	for _, topic := range topics {
		opts = append(opts, paho.SubscribeOptions{Topic: topic, QoS: 0})
	}

	subCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := c.cm.Subscribe(subCtx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		c.logger.Warn("mqtt subscribe failed", "topics", topics, "error", err)
	} else {
		c.logger.Info("mqtt subscribed", "topics", topics)
	}
}

// resubscribe replays the remembered filters on a fresh session.
func (c *Client) resubscribe(cm *autopaho.ConnectionManager) {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	if len(topics) == 0 {
		return
	}

	opts := make([]paho.SubscribeOptions, 0, len(topics))
	for _, topic := range topics {
		opts = append(opts, paho.SubscribeOptions{Topic: topic, QoS: 0})
	}

	subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := cm.Subscribe(subCtx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		c.logger.Warn("mqtt resubscribe failed", "error", err)
	}
}

// MatchTopic reports whether a concrete topic matches a subscription
// filter with MQTT wildcards.
func MatchTopic(filter, topic string) bool {
	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")

	for i, part := range filterParts {
		if part == "#" {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if part != "+" && part != topicParts[i] {
			return false
		}
	}

	return len(filterParts) == len(topicParts)
}
