package controller

import (
	"time"

	"github.com/basket/homerules/internal/automation"
	"github.com/basket/homerules/internal/engine"
	"github.com/basket/homerules/internal/pattern"
	"github.com/basket/homerules/internal/suntime"
)

func minutesOf(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// propertyTriggered fans a device property transition out to every
// matching property trigger.
func (c *Controller) propertyTriggered(endpoint, property string, oldValue, newValue any) {
	c.eachTrigger(func(a *automation.Automation, trigger automation.Trigger) (bool, pattern.Meta) {
		t, ok := trigger.(*automation.PropertyTrigger)
		if !ok || t.Endpoint != endpoint || t.Property != property {
			return false, nil
		}
		if !t.Match(oldValue, newValue) {
			return false, nil
		}
		return true, pattern.Meta{"triggerEndpoint": endpoint, "triggerProperty": property}
	})
}

// mqttTriggered fans a raw topic payload transition out to mqtt triggers.
func (c *Controller) mqttTriggered(topic string, oldPayload, newPayload []byte) {
	c.eachTrigger(func(a *automation.Automation, trigger automation.Trigger) (bool, pattern.Meta) {
		t, ok := trigger.(*automation.MqttTrigger)
		if !ok || t.Topic != topic {
			return false, nil
		}

		var oldValue, newValue any
		if t.Property != "" {
			oldValue, _ = pattern.Lookup(oldPayload, t.Property)
			newValue, _ = pattern.Lookup(newPayload, t.Property)
		} else {
			if oldPayload != nil {
				oldValue = automation.Coerce(string(oldPayload))
			}
			newValue = automation.Coerce(string(newPayload))
		}

		return automation.MatchTransition(t.Statement, oldValue, newValue, t.Value, t.Force), nil
	})
}

func (c *Controller) telegramTriggered(message string, chat int64) {
	c.eachTrigger(func(a *automation.Automation, trigger automation.Trigger) (bool, pattern.Meta) {
		t, ok := trigger.(*automation.TelegramTrigger)
		return ok && t.Match(message, chat), nil
	})
}

func (c *Controller) timeTriggered(minute int) {
	sunrise := minutesOf(c.source.Sunrise())
	sunset := minutesOf(c.source.Sunset())

	c.eachTrigger(func(a *automation.Automation, trigger automation.Trigger) (bool, pattern.Meta) {
		t, ok := trigger.(*automation.TimeTrigger)
		if !ok {
			return false, nil
		}
		match, valid := suntime.ParseSpec(t.Spec, sunrise, sunset)
		return valid && match == minute, nil
	})
}

func (c *Controller) intervalTriggered(minute int) {
	c.eachTrigger(func(a *automation.Automation, trigger automation.Trigger) (bool, pattern.Meta) {
		t, ok := trigger.(*automation.IntervalTrigger)
		return ok && t.Match(minute), nil
	})
}

func (c *Controller) startupTriggered() {
	c.eachTrigger(func(a *automation.Automation, trigger automation.Trigger) (bool, pattern.Meta) {
		_, ok := trigger.(*automation.StartupTrigger)
		return ok, nil
	})
}

// eachTrigger walks every active automation's triggers, applies the
// kind-specific match, and fires the shared condition/debounce/mode
// pipeline for each hit. Several triggers of one automation can fire from
// a single event; each match starts its own run.
func (c *Controller) eachTrigger(match func(*automation.Automation, automation.Trigger) (bool, pattern.Meta)) {
	for _, a := range c.store.All() {
		if !a.Active {
			continue
		}

		for index, trigger := range a.Triggers {
			if !trigger.Common().Active {
				continue
			}

			matched, meta := match(a, trigger)
			if !matched {
				continue
			}

			if meta == nil {
				meta = pattern.Meta{}
			}
			meta["triggerName"] = trigger.Common().Name

			c.fire(a, trigger, index, meta)
		}
	}
}

// fire runs the post-match pipeline: rule conditions, debounce, mode
// policy, runner creation.
func (c *Controller) fire(a *automation.Automation, trigger automation.Trigger, index int, meta pattern.Meta) {
	if name := trigger.Common().Name; name != "" {
		c.logger.Info("automation triggered", "automation", a.Name, "trigger", name)
	} else {
		c.logger.Info("automation triggered", "automation", a.Name, "trigger", index+1)
	}

	if !c.evaluator.Check(automation.ConditionAnd, a.Conditions, meta) {
		c.logger.Info("conditions mismatch", "automation", a.Name)
		return
	}

	nowMillis := c.now().UnixMilli()
	if a.Debounced(nowMillis) {
		c.logger.Info("debounced", "automation", a.Name)
		return
	}

	c.store.MarkTriggered(a, nowMillis)
	c.store.Schedule(false)

	start := true
	if existing := c.findRunner(a); existing != nil {
		switch a.Mode {
		case automation.ModeSingle:
			c.logger.Warn("already running", "automation", a.Name)
			return
		case automation.ModeRestart:
			c.abortRunners(a)
		case automation.ModeQueued:
			start = false
		case automation.ModeParallel:
		}
	}

	runner := engine.NewRunner(a, meta, engine.Config{
		Source:   c.source,
		Expander: c.expander,
		Effects:  c.effects,
		Finished: c.finished,
		Topic:    c.client.Topic,
		Logger:   c.logger,
	})

	a.Counter++
	c.runners = append(c.runners, runner)

	if !start {
		c.logger.Info("run queued", "automation", a.Name)
		return
	}
	runner.Start()
}

func (c *Controller) findRunner(a *automation.Automation) *engine.Runner {
	for _, runner := range c.runners {
		if runner.Automation == a {
			return runner
		}
	}
	return nil
}

func (c *Controller) abortRunners(a *automation.Automation) {
	for _, runner := range c.runners {
		if runner.Automation == a {
			runner.Abort()
		}
	}
}

// runnerFinished drops a completed runner and starts the next queued one
// for the same automation, preserving FIFO order.
func (c *Controller) runnerFinished(finished *engine.Runner) {
	for i, runner := range c.runners {
		if runner == finished {
			c.runners = append(c.runners[:i], c.runners[i+1:]...)
			break
		}
	}

	for _, runner := range c.runners {
		if runner.Automation == finished.Automation && !runner.Started() {
			runner.Start()
			return
		}
	}
}
