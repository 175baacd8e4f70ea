package mqtt

import "testing"

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/d", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/c/d", false},
		{"a/#", "a/b/c", true},
		{"a/#", "a", true},
		{"#", "anything/at/all", true},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
	}

	for _, tt := range tests {
		if got := MatchTopic(tt.filter, tt.topic); got != tt.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}

func TestTopicPrefix(t *testing.T) {
	c := New(Config{Prefix: "homed"}, nil)
	if got := c.Topic("status/automation"); got != "homed/status/automation" {
		t.Errorf("Topic = %q", got)
	}

	bare := New(Config{}, nil)
	if got := bare.Topic("status/automation"); got != "status/automation" {
		t.Errorf("unprefixed Topic = %q", got)
	}
}

func TestSubscribeRemembersFilters(t *testing.T) {
	c := New(Config{}, nil)

	c.Subscribe(nil, "a/b", "c/#")
	c.Subscribe(nil, "a/b") // duplicate

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscriptions) != 2 {
		t.Errorf("subscriptions = %v", c.subscriptions)
	}
}
