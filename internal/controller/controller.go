// Package controller is the top-level orchestrator: it owns the MQTT
// session, the device catalog, the retained-topic cache and the runner
// lifecycle, and serializes every side effect the engine emits. All state
// mutation happens on the single Run loop; runners only reach shared data
// through the snapshot-returning pattern source.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/homerules/internal/bus"
	"github.com/basket/homerules/internal/config"
	"github.com/basket/homerules/internal/engine"
	"github.com/basket/homerules/internal/mqtt"
	"github.com/basket/homerules/internal/pattern"
	"github.com/basket/homerules/internal/store"
	"github.com/basket/homerules/internal/suntime"
	"github.com/basket/homerules/internal/telegram"
)

// ServiceTopic names this service in the MQTT namespace.
const ServiceTopic = "automation"

// subscriptionSettleDelay separates a (re)connect from the rule-topic
// subscription batch, so retained payloads arrive in a predictable order.
const subscriptionSettleDelay = 2 * time.Second

// ErrRestart asks the process supervisor for a respawn.
var ErrRestart = errors.New("restart requested")

// Publisher is the slice of the MQTT client the controller uses.
type Publisher interface {
	Topic(sub string) string
	Publish(ctx context.Context, topic string, payload []byte, retain bool)
	Subscribe(ctx context.Context, topics ...string)
	Unsubscribe(ctx context.Context, topics ...string)
}

// TelegramSender executes telegram effects; nil disables them.
type TelegramSender interface {
	Send(effect engine.TelegramEffect)
}

// Options wires the controller's collaborators.
type Options struct {
	Config          config.Config
	Logger          *slog.Logger
	Client          Publisher
	Messages        <-chan mqtt.Message
	Connected       <-chan struct{}
	Telegram        TelegramSender
	TelegramInbound <-chan telegram.Inbound
	Store           *store.Store
	Bus             *bus.Bus
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Controller runs the engine.
type Controller struct {
	cfg    config.Config
	logger *slog.Logger
	client Publisher
	store  *store.Store
	bus    *bus.Bus
	tg     TelegramSender
	now    func() time.Time

	messages        <-chan mqtt.Message
	connected       <-chan struct{}
	telegramInbound <-chan telegram.Inbound
	busEvents       *bus.Subscription

	source    *source
	expander  *pattern.Expander
	evaluator *engine.Evaluator

	effects  chan engine.Effect
	finished chan *engine.Runner
	runners  []*engine.Runner

	cron   *cronlib.Cron
	tick   chan time.Time
	settle *time.Timer

	subscriptions map[string]struct{} // rule-referenced topics
	settleDelay   time.Duration
	startupFired  bool
	lastDate      time.Time
	restart       bool
}

func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Controller{
		cfg:             opts.Config,
		logger:          logger,
		client:          opts.Client,
		store:           opts.Store,
		bus:             opts.Bus,
		tg:              opts.Telegram,
		now:             now,
		messages:        opts.Messages,
		connected:       opts.Connected,
		telegramInbound: opts.TelegramInbound,
		effects:         make(chan engine.Effect),
		finished:        make(chan *engine.Runner, 16),
		tick:            make(chan time.Time, 1),
		subscriptions:   make(map[string]struct{}),
		settleDelay:     subscriptionSettleDelay,
	}

	c.source = newSource(c)
	c.expander = pattern.New(c.source)
	c.evaluator = engine.NewEvaluator(c.source, c.expander)

	c.source.sun = suntime.New(opts.Config.Location.Latitude, opts.Config.Location.Longitude)
	c.updateSun(now())

	if opts.Bus != nil {
		c.busEvents = opts.Bus.Subscribe("store.")
	}

	return c
}

// Run is the main event loop. It returns ErrRestart when a restart command
// was received, nil on context cancellation.
func (c *Controller) Run(ctx context.Context) error {
	c.cron = cronlib.New()
	if _, err := c.cron.AddFunc("* * * * *", func() {
		select {
		case c.tick <- c.now():
		default:
		}
	}); err != nil {
		return err
	}
	c.cron.Start()
	defer c.cron.Stop()

	c.settle = time.NewTimer(c.settleDelay)
	c.settle.Stop()
	defer c.settle.Stop()

	var busCh <-chan bus.Event
	if c.busEvents != nil {
		busCh = c.busEvents.Ch()
	}

	for {
		select {
		case <-ctx.Done():
			c.abortAll()
			return nil

		case <-c.connected:
			c.onConnected(ctx)

		case message := <-c.messages:
			c.handleMessage(ctx, message)
			if c.restart {
				c.abortAll()
				return ErrRestart
			}

		case effect := <-c.effects:
			c.applyEffect(ctx, effect)

		case runner := <-c.finished:
			c.runnerFinished(runner)

		case inbound := <-c.telegramInbound:
			c.telegramTriggered(inbound.Message, inbound.Chat)

		case now := <-c.tick:
			c.updateTime(now)

		case <-c.settle.C:
			c.updateSubscriptions(ctx)

		case event := <-busCh:
			c.handleBusEvent(ctx, event)
		}
	}
}

func (c *Controller) onConnected(ctx context.Context) {
	c.client.Subscribe(ctx,
		c.client.Topic("command/"+ServiceTopic),
		c.client.Topic("service/#"),
	)

	c.source.clearDevices()
	c.store.Flush()
	c.settle.Reset(c.settleDelay)
}

// updateSubscriptions subscribes to every rule-referenced topic, then fires
// the startup trigger once per process lifetime.
func (c *Controller) updateSubscriptions(ctx context.Context) {
	for topic := range c.subscriptions {
		c.client.Subscribe(ctx, topic)
	}

	if !c.startupFired {
		c.startupFired = true
		c.startupTriggered()
	}
}

func (c *Controller) handleBusEvent(ctx context.Context, event bus.Event) {
	switch event.Topic {
	case bus.TopicSubscriptionAdded:
		payload, ok := event.Payload.(bus.SubscriptionAddedEvent)
		if !ok {
			return
		}
		c.addSubscription(ctx, payload.Topic)

	case bus.TopicStatusUpdated:
		payload, ok := event.Payload.(bus.StatusUpdatedEvent)
		if !ok {
			return
		}
		c.client.Publish(ctx, c.client.Topic("status/"+ServiceTopic), payload.Document, true)

	case bus.TopicDatabaseReloaded:
		c.publishEvent(ctx, "", "reloaded")
	}
}

// addSubscription registers a rule-referenced topic and subscribes to it
// right away; updateSubscriptions re-subscribes every registered topic after
// each (re)connect.
func (c *Controller) addSubscription(ctx context.Context, topic string) {
	if _, ok := c.subscriptions[topic]; ok {
		return
	}
	c.subscriptions[topic] = struct{}{}
	c.client.Subscribe(ctx, topic)
}

// updateTime runs once per minute: date boundaries recompute the sun
// times, every boundary fans out time and interval triggers.
func (c *Controller) updateTime(now time.Time) {
	if c.lastDate.Year() != now.Year() || c.lastDate.YearDay() != now.YearDay() {
		c.updateSun(now)
	}
	c.lastDate = now

	minute := now.Hour()*60 + now.Minute()
	c.timeTriggered(minute)
	c.intervalTriggered(minute)
}

func (c *Controller) updateSun(now time.Time) {
	c.source.mu.Lock()
	c.source.sun.Update(now)
	sunrise, sunset := c.source.sun.Sunrise(), c.source.sun.Sunset()
	c.source.mu.Unlock()

	c.logger.Info("sun times updated",
		"sunrise", sunrise.Format("15:04"),
		"sunset", sunset.Format("15:04"))
}

func (c *Controller) applyEffect(ctx context.Context, effect engine.Effect) {
	switch e := effect.(type) {
	case engine.PublishEffect:
		var payload []byte
		switch value := e.Payload.(type) {
		case string:
			payload = []byte(value)
		default:
			data, err := json.Marshal(value)
			if err != nil {
				c.logger.Warn("effect payload not serializable", "topic", e.Topic, "error", err)
				return
			}
			payload = data
		}
		c.client.Publish(ctx, e.Topic, payload, e.Retain)

	case engine.StateEffect:
		if c.store.SetState(e.Name, e.Value) {
			c.store.Schedule(true)
		}

	case engine.TelegramEffect:
		if c.tg != nil {
			c.tg.Send(e)
		}
	}
}

func (c *Controller) publishEvent(ctx context.Context, name, event string) {
	payload, err := json.Marshal(map[string]any{"automation": name, "event": event})
	if err != nil {
		return
	}
	c.client.Publish(ctx, c.client.Topic("event/"+ServiceTopic), payload, false)
}

func (c *Controller) abortAll() {
	for _, runner := range c.runners {
		runner.Abort()
	}
}
