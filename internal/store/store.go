// Package store owns the persisted rule set: loading and validating the
// database file, the in-memory automation list, the named-state and
// Telegram-message maps, and the debounced write-back that keeps them on
// disk. Mutations come only from the controller loop; the debounce timer
// and the file watcher synchronize through the store's lock.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/homerules/internal/automation"
	"github.com/basket/homerules/internal/bus"
)

// DefaultWriteDelay coalesces bursts of rule mutations into one write.
const DefaultWriteDelay = 20 * time.Second

// selfWriteWindow is how long after our own write a file event is assumed
// to be ours rather than an external edit.
const selfWriteWindow = 2 * time.Second

// Config holds the store's dependencies.
type Config struct {
	Path         string
	WriteDelay   time.Duration // zero means DefaultWriteDelay
	Version      string
	TelegramChat int64
	Logger       *slog.Logger
	Bus          *bus.Bus
}

// Store is the persisted rule set plus its side tables.
type Store struct {
	path    string
	delay   time.Duration
	version string
	logger  *slog.Logger
	bus     *bus.Bus
	parser  *Parser

	mu          sync.Mutex
	automations []*automation.Automation
	states      map[string]any
	messages    map[string]int64
	timer       *time.Timer
	durable     bool
	lastWrite   time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func New(cfg Config) *Store {
	delay := cfg.WriteDelay
	if delay <= 0 {
		delay = DefaultWriteDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		path:     cfg.Path,
		delay:    delay,
		version:  cfg.Version,
		logger:   logger,
		bus:      cfg.Bus,
		states:   make(map[string]any),
		messages: make(map[string]int64),
		done:     make(chan struct{}),
	}

	s.parser = &Parser{
		TelegramChat: cfg.TelegramChat,
		OnSubscription: func(topic string) {
			if s.bus != nil {
				s.bus.Publish(bus.TopicSubscriptionAdded, bus.SubscriptionAddedEvent{Topic: topic})
			}
		},
	}

	return s
}

// document is the on-disk shape of the database file.
type document struct {
	Automations []map[string]any `json:"automations"`
	States      map[string]any   `json:"states"`
	Messages    map[string]int64 `json:"messages,omitempty"`
	Timestamp   int64            `json:"timestamp"`
	Version     string           `json:"version"`
}

// Load reads and parses the database file. A missing file is an empty rule
// set, not an error.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read database: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse database: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.automations = nil

	for _, obj := range doc.Automations {
		if id := strings.TrimSpace(str(obj, "uuid")); id != "" && s.findLocked(id) >= 0 {
			delete(obj, "uuid")
		}

		a := s.parser.Parse(obj, false)
		if a == nil {
			continue
		}
		s.automations = append(s.automations, a)
	}

	s.states = doc.States
	if s.states == nil {
		s.states = make(map[string]any)
	}

	// Message-map entries whose action no longer exists (or is no longer a
	// Telegram action) are stale.
	telegramActions := s.telegramActionsLocked()
	s.messages = make(map[string]int64)
	for key, messageID := range doc.Messages {
		actionUUID := strings.SplitN(key, ":", 2)[0]
		if _, ok := telegramActions[actionUUID]; ok {
			s.messages[key] = messageID
		}
	}

	s.logger.Info("automations loaded", "count", len(s.automations))
	return nil
}

// Watch follows the database file with fsnotify and reloads when it is
// replaced externally, e.g. by a restored backup.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch database directory: %w", err)
	}

	s.watcher = watcher
	go s.watch()
	return nil
}

func (s *Store) watch() {
	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name != s.path || !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}

			s.mu.Lock()
			own := time.Since(s.lastWrite) < selfWriteWindow
			s.mu.Unlock()
			if own {
				continue
			}

			s.logger.Info("database changed externally, reloading")
			if err := s.Load(); err != nil {
				s.logger.Warn("database reload failed", "error", err)
				continue
			}
			if s.bus != nil {
				s.bus.Publish(bus.TopicDatabaseReloaded, nil)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("database watcher error", "error", err)
		}
	}
}

// Close stops the watcher and the debounce timer and forces a durable
// flush.
func (s *Store) Close() {
	close(s.done)
	if s.watcher != nil {
		s.watcher.Close()
	}

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.durable = true
	s.mu.Unlock()

	s.Flush()
}

// Parse delegates to the rule parser; subscriptions referenced by the rule
// are reported on the bus as a side effect.
func (s *Store) Parse(obj map[string]any, add bool) *automation.Automation {
	return s.parser.Parse(obj, add)
}

// All returns a snapshot of the automation list.
func (s *Store) All() []*automation.Automation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*automation.Automation(nil), s.automations...)
}

// ByUUID finds an automation and its index; index -1 means not found.
func (s *Store) ByUUID(id string) (*automation.Automation, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.findLocked(id)
	if index < 0 {
		return nil, -1
	}
	return s.automations[index], index
}

// ByName finds an automation by its unique human name.
func (s *Store) ByName(name string) *automation.Automation {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.automations {
		if a.Name == name {
			return a
		}
	}
	return nil
}

func (s *Store) findLocked(id string) int {
	for i, a := range s.automations {
		if a.UUID == id {
			return i
		}
	}
	return -1
}

// Append adds a new automation.
func (s *Store) Append(a *automation.Automation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.automations = append(s.automations, a)
}

// ReplaceAt swaps the automation at the given index.
func (s *Store) ReplaceAt(index int, a *automation.Automation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < len(s.automations) {
		s.automations[index] = a
	}
}

// RemoveAt deletes the automation at the given index.
func (s *Store) RemoveAt(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < len(s.automations) {
		s.automations = append(s.automations[:index], s.automations[index+1:]...)
	}
}

// MarkTriggered records a firing instant. The write happens under the
// store lock because the flush goroutine serializes the same field.
func (s *Store) MarkTriggered(a *automation.Automation, nowMillis int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.LastTriggered = nowMillis
}

// State reads a named state entry.
func (s *Store) State(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.states[name]
	return value, ok
}

// SetState writes (or, with nil, deletes) a named state entry and reports
// whether the stored value actually changed.
func (s *Store) SetState(name string, value any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.states[name]

	if value == nil {
		if !existed {
			return false
		}
		delete(s.states, name)
		return true
	}

	if existed && automation.Equal(previous, value) {
		return false
	}
	s.states[name] = value
	return true
}

// RemoveState deletes a named state entry.
func (s *Store) RemoveState(name string) bool {
	return s.SetState(name, nil)
}

func messageKey(actionUUID string, chat int64) string {
	return fmt.Sprintf("%s:%d", actionUUID, chat)
}

// Message returns the Telegram message id previously sent for an action and
// chat.
func (s *Store) Message(actionUUID string, chat int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.messages[messageKey(actionUUID, chat)]
	return id, ok
}

// SetMessage records the Telegram message id sent for an action and chat.
func (s *Store) SetMessage(actionUUID string, chat, messageID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[messageKey(actionUUID, chat)] = messageID
}

// RemoveMessage drops a recorded message id.
func (s *Store) RemoveMessage(actionUUID string, chat int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, messageKey(actionUUID, chat))
}

// Schedule restarts the debounced write timer. A durable request marks the
// next flush as a real file write; otherwise only the retained status
// document is refreshed.
func (s *Store) Schedule(durable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if durable {
		s.durable = true
	}

	if s.timer == nil {
		s.timer = time.AfterFunc(s.delay, s.Flush)
		return
	}
	s.timer.Reset(s.delay)
}

// Flush publishes the status document and, when a durable write is
// pending, persists the database file atomically.
func (s *Store) Flush() {
	s.mu.Lock()

	serialized := make([]map[string]any, 0, len(s.automations))
	for _, a := range s.automations {
		serialized = append(serialized, Serialize(a))
	}

	doc := document{
		Automations: serialized,
		States:      s.states,
		Timestamp:   time.Now().Unix(),
		Version:     s.version,
	}

	status, err := json.Marshal(doc)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("database serialization failed", "error", err)
		return
	}

	durable := s.durable
	s.durable = false

	var data []byte
	if durable {
		if len(s.messages) > 0 {
			doc.Messages = s.messages
		}
		data, err = json.Marshal(doc)
		if err == nil {
			s.lastWrite = time.Now()
		}
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(bus.TopicStatusUpdated, bus.StatusUpdatedEvent{Document: status})
	}

	if !durable {
		return
	}
	if err != nil {
		s.logger.Warn("database serialization failed", "error", err)
		return
	}

	if err := writeFileAtomic(s.path, data); err != nil {
		s.logger.Warn("database not stored", "error", err)
		// Retry on the next debounced flush.
		s.mu.Lock()
		s.durable = true
		s.mu.Unlock()
	}
}

// writeFileAtomic writes via a temp file, fsyncs and renames into place so
// a crash never leaves a truncated database.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// telegramActionsLocked collects the UUIDs of every Telegram action across
// all loaded automations, including those nested in condition branches.
func (s *Store) telegramActionsLocked() map[string]struct{} {
	uuids := make(map[string]struct{})

	var walk func(list *automation.ActionList)
	walk = func(list *automation.ActionList) {
		if list == nil {
			return
		}
		for _, action := range list.Items {
			switch a := action.(type) {
			case *automation.TelegramAction:
				uuids[a.UUID] = struct{}{}
			case *automation.ConditionAction:
				walk(a.Then)
				walk(a.Else)
			}
		}
	}

	for _, a := range s.automations {
		walk(a.Actions)
	}

	return uuids
}
