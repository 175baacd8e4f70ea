package engine

// Effect is a side-effect request a runner hands to the controller loop.
// Runners never touch MQTT, Telegram or the state map themselves; every
// effect is applied serially by the loop that owns those resources.
type Effect interface {
	effect()
}

// PublishEffect asks for an MQTT publish. Payload is either a string or a
// map that marshals to a JSON object.
type PublishEffect struct {
	Topic   string
	Payload any
	Retain  bool
}

func (PublishEffect) effect() {}

// StateEffect writes a named state entry; a nil value deletes it.
type StateEffect struct {
	Name  string
	Value any
}

func (StateEffect) effect() {}

// TelegramEffect sends, edits or deletes a chat message. ActionUUID keys
// the persisted message-id map used by Remove and Update.
type TelegramEffect struct {
	Message    string
	File       string
	Keyboard   string
	ActionUUID string
	Thread     int64
	Silent     bool
	Remove     bool
	Update     bool
	Chats      []int64
}

func (TelegramEffect) effect() {}
