package signaling

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func newTestClient(sessionID uuid.UUID) *Client {
	return &Client{
		ConnectionID: uuid.NewString(),
		SessionID:    sessionID,
		send:         make(chan WSMessage, 8),
	}
}

func drain(c *Client) []WSMessage {
	var out []WSMessage
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

type recordingBridge struct {
	published []string
}

func (b *recordingBridge) PublishSessionEvent(_ uuid.UUID, event string, _ []byte) error {
	b.published = append(b.published, event)
	return nil
}

func TestHubBroadcastReachesRoomOnly(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	sessionA, sessionB := uuid.New(), uuid.New()

	a1, a2 := newTestClient(sessionA), newTestClient(sessionA)
	b1 := newTestClient(sessionB)
	for _, c := range []*Client{a1, a2, b1} {
		hub.Register(c)
	}

	hub.Broadcast(sessionA, "status_changed", map[string]string{"status": "started"})

	if got := len(drain(a1)); got != 1 {
		t.Fatalf("client a1 received %d messages, want 1", got)
	}
	if got := len(drain(a2)); got != 1 {
		t.Fatalf("client a2 received %d messages, want 1", got)
	}
	if got := len(drain(b1)); got != 0 {
		t.Fatalf("client b1 received %d messages, want 0", got)
	}
}

func TestHubSendToClient(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	session := uuid.New()
	c1, c2 := newTestClient(session), newTestClient(session)
	hub.Register(c1)
	hub.Register(c2)

	hub.SendToClient(session, c1.ConnectionID, "joined", map[string]bool{"ok": true})

	msgs := drain(c1)
	if len(msgs) != 1 || msgs[0].Event != "joined" {
		t.Fatalf("c1 messages = %+v, want one joined event", msgs)
	}
	if got := len(drain(c2)); got != 0 {
		t.Fatalf("c2 received %d messages, want 0", got)
	}
}

func TestHubUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	session := uuid.New()
	c := newTestClient(session)
	hub.Register(c)
	hub.Unregister(c)

	hub.Broadcast(session, "status_changed", nil)
	if got := len(drain(c)); got != 0 {
		t.Fatalf("unregistered client received %d messages, want 0", got)
	}
	if n := hub.ConnectionCount(session); n != 0 {
		t.Fatalf("ConnectionCount() = %d, want 0", n)
	}
}

func TestHubPublishForwardsThroughBridge(t *testing.T) {
	bridge := &recordingBridge{}
	hub := NewHub(nil, bridge, nil)
	session := uuid.New()
	c := newTestClient(session)
	hub.Register(c)

	hub.Publish(session, "participant_joined", map[string]int{"participant_count": 1})

	msgs := drain(c)
	if len(msgs) != 1 || msgs[0].Event != "participant_joined" {
		t.Fatalf("local messages = %+v, want one participant_joined", msgs)
	}
	var payload map[string]int
	if err := json.Unmarshal(msgs[0].Data, &payload); err != nil || payload["participant_count"] != 1 {
		t.Fatalf("payload = %s, want participant_count 1", msgs[0].Data)
	}
	if len(bridge.published) != 1 || bridge.published[0] != "participant_joined" {
		t.Fatalf("bridge events = %v, want [participant_joined]", bridge.published)
	}
}
