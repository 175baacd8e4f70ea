package engine

import (
	"bytes"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/basket/homerules/internal/automation"
	"github.com/basket/homerules/internal/devices"
	"github.com/basket/homerules/internal/pattern"
)

const defaultShellTimeout = 30 * time.Second

// Runner is one in-progress interpretation of an automation's action list.
// It executes on its own goroutine and owns all per-run state: the cursor
// into nested action lists, the firing trigger's meta map, the in-flight
// shell process and the delay timer. The automation nodes themselves are
// shared immutable snapshots.
type Runner struct {
	Automation *automation.Automation

	meta      pattern.Meta
	source    pattern.Source
	expander  *pattern.Expander
	evaluator *Evaluator
	effects   chan<- Effect
	finished  chan<- *Runner
	topic     func(string) string
	logger    *slog.Logger

	abort     chan struct{}
	abortOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	process *exec.Cmd
	started bool
}

// Config carries the dependencies a Runner needs from the controller.
type Config struct {
	Source   pattern.Source
	Expander *pattern.Expander
	Effects  chan<- Effect
	Finished chan<- *Runner
	// Topic prepends the service's MQTT prefix to a subtopic.
	Topic  func(string) string
	Logger *slog.Logger
}

// NewRunner snapshots the firing trigger's meta map and prepares a runner.
// Start launches it; queued-mode runners wait for an explicit Start.
func NewRunner(a *automation.Automation, meta pattern.Meta, cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	snapshot := make(pattern.Meta, len(meta))
	for key, value := range meta {
		snapshot[key] = value
	}

	return &Runner{
		Automation: a,
		meta:       snapshot,
		source:     cfg.Source,
		expander:   cfg.Expander,
		evaluator:  NewEvaluator(cfg.Source, cfg.Expander),
		effects:    cfg.Effects,
		finished:   cfg.Finished,
		topic:      cfg.Topic,
		logger:     logger,
		abort:      make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the run goroutine. Starting twice is a no-op.
func (r *Runner) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.run()
}

// Started reports whether the run goroutine has been launched; queued
// runners report false until the controller starts them.
func (r *Runner) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Abort stops the run: the delay timer is released, an in-flight shell
// process group is killed, and no further actions execute. An effect
// already handed to the controller still completes.
func (r *Runner) Abort() {
	r.abortOnce.Do(func() {
		close(r.abort)
		r.killProcess()
		r.logger.Info("run aborted", "automation", r.Automation.Name)

		// A queued runner that never started has no goroutine to report
		// completion; retire it here so the controller forgets it.
		r.mu.Lock()
		started := r.started
		r.started = true
		r.mu.Unlock()

		if !started {
			close(r.done)
			if r.finished != nil {
				go func() { r.finished <- r }()
			}
		}
	})
}

// Done closes when the run goroutine has exited.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

func (r *Runner) aborted() bool {
	select {
	case <-r.abort:
		return true
	default:
		return false
	}
}

// frame is one level of the action-list cursor: the list plus the index to
// resume at. Nested condition branches push a frame; finishing a list pops
// back to the parent.
type frame struct {
	list  *automation.ActionList
	index int
}

func (r *Runner) run() {
	defer func() {
		close(r.done)
		if r.finished != nil {
			r.finished <- r
		}
		r.logger.Info("run completed", "automation", r.Automation.Name)
	}()

	frames := []frame{{list: r.Automation.Actions}}

	for len(frames) > 0 {
		if r.aborted() {
			return
		}

		top := &frames[len(frames)-1]
		if top.list == nil || top.index >= len(top.list.Items) {
			frames = frames[:len(frames)-1]
			continue
		}

		action := top.list.Items[top.index]
		top.index++

		meta := action.Common()
		if meta.TriggerName != "" && meta.TriggerName != r.meta["triggerName"] {
			continue
		}
		if !meta.Active && action.Kind() != automation.ActionCondition {
			continue
		}

		switch act := action.(type) {
		case *automation.PropertyAction:
			r.runProperty(act)

		case *automation.MqttAction:
			message := r.expander.ExpandString(act.Message, r.meta, false)
			r.emit(PublishEffect{Topic: act.Topic, Payload: message, Retain: act.Retain})

		case *automation.StateAction:
			value := act.Value
			if s, ok := value.(string); ok {
				value = r.expander.Expand(s, r.meta, false)
			}
			r.emit(StateEffect{Name: act.Name, Value: value})

		case *automation.TelegramAction:
			r.emit(TelegramEffect{
				Message:    r.expander.ExpandString(act.Message, r.meta, false),
				File:       r.expander.ExpandString(act.File, r.meta, false),
				Keyboard:   r.expander.ExpandString(act.Keyboard, r.meta, false),
				ActionUUID: act.UUID,
				Thread:     act.Thread,
				Silent:     act.Silent,
				Remove:     act.Remove,
				Update:     act.Update,
				Chats:      act.Chats,
			})

		case *automation.ShellAction:
			if !r.runShell(act) {
				return
			}

		case *automation.ConditionAction:
			matched := r.evaluator.Check(act.Op, act.Conditions, r.meta)
			frames = append(frames, frame{list: act.Branch(matched)})

		case *automation.DelayAction:
			seconds, _ := automation.Number(r.expander.Expand(automation.String(act.Value), r.meta, false))
			if !r.sleep(time.Duration(seconds * float64(time.Second))) {
				return
			}

		case *automation.ExitAction:
			return
		}
	}
}

// emit hands an effect to the controller and blocks until the controller
// loop receives it; the loop applies effects one at a time in arrival order,
// so side effects of one run stay strictly ordered. Abort releases the send
// if the controller is no longer draining.
func (r *Runner) emit(effect Effect) {
	select {
	case r.effects <- effect:
	case <-r.abort:
	}
}

func (r *Runner) sleep(duration time.Duration) bool {
	if duration <= 0 {
		return true
	}

	r.logger.Info("run delayed", "automation", r.Automation.Name, "duration", duration)
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-r.abort:
		return false
	}
}

func (r *Runner) runProperty(act *automation.PropertyAction) {
	device, ok := r.source.FindDevice(act.Endpoint)
	if !ok {
		return
	}

	endpointID := devices.EndpointID(act.Endpoint)
	oldValue, _ := device.Property(endpointID, act.Property)

	operand := act.Value
	if s, ok := operand.(string); ok {
		operand = r.expander.Expand(s, r.meta, false)
	}

	value := act.Apply(oldValue, operand)

	// A comma-separated expansion becomes a JSON array of typed scalars.
	if s, ok := value.(string); ok && strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		list := make([]any, 0, len(parts))
		for _, part := range parts {
			list = append(list, automation.Coerce(strings.TrimSpace(part)))
		}
		value = list
	}

	topic := "td/" + device.Topic
	if endpointID != 0 {
		topic += "/" + strconv.Itoa(endpointID)
	}

	r.emit(PublishEffect{Topic: r.topic(topic), Payload: map[string]any{act.Property: value}})
}

// runShell executes the command in its own process group and waits up to
// the action's timeout before killing the whole group. It returns false
// when the run was aborted mid-wait.
func (r *Runner) runShell(act *automation.ShellAction) bool {
	command := r.expander.ExpandString(act.Command, r.meta, false)

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Start(); err != nil {
		r.logger.Warn("shell action failed to start", "automation", r.Automation.Name, "error", err)
		return true
	}

	r.setProcess(cmd)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := time.Duration(act.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		r.logger.Warn("shell action timed out", "automation", r.Automation.Name, "pid", cmd.Process.Pid)
		killGroup(cmd)
		<-done
	case <-r.abort:
		killGroup(cmd)
		<-done
		return false
	}

	r.setProcess(nil)

	if r.aborted() {
		return false
	}

	r.meta["shellOutput"] = strings.TrimRight(output.String(), "\n")
	return true
}

func (r *Runner) setProcess(cmd *exec.Cmd) {
	r.mu.Lock()
	r.process = cmd
	r.mu.Unlock()
}

func (r *Runner) killProcess() {
	r.mu.Lock()
	cmd := r.process
	r.mu.Unlock()

	if cmd != nil {
		killGroup(cmd)
	}
}

// killGroup kills the command's whole process group, reaching descendants
// the shell may have spawned.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
