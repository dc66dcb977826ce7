package bus

import (
	"io"
	"log"
	"testing"
)

func TestPublishRouting(t *testing.T) {
	b := New(log.New(io.Discard, "", 0))

	var all, gym, catering []Event
	b.Subscribe(func(e Event) { all = append(all, e) })
	b.SubscribeKeys(func(e Event) { gym = append(gym, e) }, "gym_members")
	b.SubscribeKeys(func(e Event) { catering = append(catering, e) }, "catering_orders", "catering_menus")

	b.Publish(Event{Keys: []string{"gym_members", "customers"}, Source: SourceRealtime})
	b.Publish(Event{Keys: []string{"catering_menus"}, Source: SourcePull})

	if len(all) != 2 {
		t.Errorf("catch-all got %d events, want 2", len(all))
	}
	if len(gym) != 1 {
		t.Errorf("gym subscriber got %d events, want 1", len(gym))
	}
	if len(catering) != 1 {
		t.Errorf("catering subscriber got %d events, want 1", len(catering))
	}
	if got := all[0].Keys; got[0] != "customers" || got[1] != "gym_members" {
		t.Errorf("keys not sorted: %v", got)
	}
}

func TestSubscribeKeysWithoutKeys(t *testing.T) {
	b := New(log.New(io.Discard, "", 0))

	var got []Event
	b.SubscribeKeys(func(e Event) { got = append(got, e) })
	b.Publish(Event{Keys: []string{"quotations"}, Source: SourcePull})

	if len(got) != 1 {
		t.Errorf("subscriber without keys got %d events, want 1", len(got))
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(log.New(io.Discard, "", 0))

	calls := 0
	unsub := b.Subscribe(func(Event) { calls++ })
	b.Publish(Event{Keys: []string{"customers"}})

	unsub()
	unsub()
	b.Publish(Event{Keys: []string{"customers"}})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	b := New(log.New(io.Discard, "", 0))

	b.Subscribe(func(Event) { panic("boom") })
	delivered := false
	b.Subscribe(func(Event) { delivered = true })

	b.Publish(Event{Keys: []string{"customers"}})

	if !delivered {
		t.Error("second handler did not receive event")
	}
}

func TestEventHas(t *testing.T) {
	e := Event{Keys: []string{"a", "c", "e"}}
	tests := []struct {
		key  string
		want bool
	}{
		{"a", true},
		{"b", false},
		{"e", true},
		{"z", false},
	}
	for _, tt := range tests {
		if got := e.Has(tt.key); got != tt.want {
			t.Errorf("Has(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}
