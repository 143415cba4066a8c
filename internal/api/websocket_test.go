package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nerrad567/pebble-core/internal/infrastructure/config"
)

func readFrame(t *testing.T, c *WSClient) WSMessage {
	t.Helper()
	select {
	case data := <-c.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return WSMessage{}
	}
}

func TestValidChannel(t *testing.T) {
	tests := map[string]bool{
		ChannelOutcome:      true,
		DeviceChannel("p1"): true,
		DeviceChannel(""):   false,
		"pebble.outcome.x":  false,
		"other.channel":     false,
		"":                  false,
	}
	for ch, want := range tests {
		if got := validChannel(ch); got != want {
			t.Errorf("validChannel(%q) = %v, want %v", ch, got, want)
		}
	}
}

func TestWSClient_SubscribeAndUnsubscribe(t *testing.T) {
	hub := newTestHub(t)
	c := newFakeClient(hub)
	hub.Register(c)

	c.handleMessage([]byte(`{"type":"subscribe","id":"s1","payload":{"channels":["pebble.device.p1"]}}`))
	if msg := readFrame(t, c); msg.Type != WSTypeResponse || msg.ID != "s1" {
		t.Fatalf("subscribe reply = %+v", msg)
	}
	if !c.isSubscribed(DeviceChannel("p1")) {
		t.Fatal("client not subscribed after subscribe")
	}

	c.handleMessage([]byte(`{"type":"unsubscribe","id":"u1","payload":{"channels":["pebble.device.p1"]}}`))
	if msg := readFrame(t, c); msg.Type != WSTypeResponse || msg.ID != "u1" {
		t.Fatalf("unsubscribe reply = %+v", msg)
	}
	if c.isSubscribed(DeviceChannel("p1")) {
		t.Error("client still subscribed after unsubscribe")
	}
}

func TestWSClient_SubscribeRejectsUnknownChannel(t *testing.T) {
	hub := newTestHub(t)
	c := newFakeClient(hub)

	c.handleMessage([]byte(`{"type":"subscribe","id":"s1","payload":{"channels":["pebble.outcome","bogus"]}}`))

	if msg := readFrame(t, c); msg.Type != WSTypeError || msg.ID != "s1" {
		t.Fatalf("reply = %+v, want error", msg)
	}
	if c.isSubscribed(ChannelOutcome) {
		t.Error("rejected request must not subscribe any channel")
	}
}

func TestWSClient_SubscribeRequiresChannels(t *testing.T) {
	hub := newTestHub(t)
	c := newFakeClient(hub)

	for _, raw := range []string{
		`{"type":"subscribe","id":"a"}`,
		`{"type":"subscribe","id":"b","payload":{"channels":[]}}`,
		`{"type":"subscribe","id":"c","payload":"nope"}`,
	} {
		c.handleMessage([]byte(raw))
		if msg := readFrame(t, c); msg.Type != WSTypeError {
			t.Errorf("%s: reply type = %q, want error", raw, msg.Type)
		}
	}
}

func TestHub_CountsDroppedFrames(t *testing.T) {
	hub := newTestHub(t)
	c := &WSClient{hub: hub, send: make(chan []byte, 1), subscriptions: map[string]struct{}{ChannelOutcome: {}}}
	hub.Register(c)

	hub.Broadcast(ChannelOutcome, "first")
	hub.Broadcast(ChannelOutcome, "second")

	if got := hub.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestWSClient_EnqueueAfterShutdown(t *testing.T) {
	hub := newTestHub(t)
	c := newFakeClient(hub, ChannelOutcome)
	hub.Register(c)
	hub.Unregister(c)
	hub.Unregister(c)

	if c.enqueue([]byte("x")) {
		t.Error("enqueue succeeded on a closed client")
	}
	if hub.Dropped() != 0 {
		t.Error("closed client sends must not count as drops")
	}
}

func TestNewKeepalive_Defaults(t *testing.T) {
	ka := newKeepalive(config.WebSocketConfig{})
	if ka.ping != defaultPingInterval || ka.wait != defaultPongTimeout || ka.readLimit != defaultMaxMessageSize {
		t.Errorf("newKeepalive(zero) = %+v", ka)
	}

	ka = newKeepalive(config.WebSocketConfig{MaxMessageSize: 512, PingInterval: 5, PongTimeout: 2})
	if ka.ping != 5*time.Second || ka.wait != 2*time.Second || ka.readLimit != 512 {
		t.Errorf("newKeepalive(custom) = %+v", ka)
	}
}
