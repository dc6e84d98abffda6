package network

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"netless/storage"
)

type reassembledTransfer struct {
	meta    TransferMeta
	payload []byte
}

type clientEvents struct {
	identity    chan IdentityConfirmed
	chat        chan ChatMessage
	system      chan SystemMessage
	online      chan []OnlineUser
	typing      chan []string
	nameUpdated chan NameUpdated
	adminStatus chan AdminStatusMessage
	deletes     chan DeleteMessage
	edits       chan EditBroadcast
	reactions   chan ReactionMessage
	incoming    chan TransferMeta
	transfers   chan reassembledTransfer
}

func newTestRelay(t *testing.T, adminSecretHash string) *Relay {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	relay, err := ListenRelay("127.0.0.1:0", RelayOptions{
		Store:           store,
		AdminSecretHash: adminSecretHash,
		SendTimeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("start test relay: %v", err)
	}
	t.Cleanup(func() {
		_ = relay.Close()
	})

	return relay
}

func dialTestClient(t *testing.T, relay *Relay, uid string) (*Client, *clientEvents) {
	t.Helper()

	events := &clientEvents{
		identity:    make(chan IdentityConfirmed, 16),
		chat:        make(chan ChatMessage, 64),
		system:      make(chan SystemMessage, 64),
		online:      make(chan []OnlineUser, 64),
		typing:      make(chan []string, 64),
		nameUpdated: make(chan NameUpdated, 16),
		adminStatus: make(chan AdminStatusMessage, 16),
		deletes:     make(chan DeleteMessage, 16),
		edits:       make(chan EditBroadcast, 16),
		reactions:   make(chan ReactionMessage, 16),
		incoming:    make(chan TransferMeta, 16),
		transfers:   make(chan reassembledTransfer, 16),
	}

	client, err := DialRelay("ws://"+relay.Addr().String()+"/ws", ClientOptions{
		UID:       uid,
		ChunkSize: 64 * 1024,
		OnIdentity: func(msg IdentityConfirmed) {
			events.identity <- msg
		},
		OnChat: func(msg ChatMessage) {
			events.chat <- msg
		},
		OnSystem: func(msg SystemMessage) {
			events.system <- msg
		},
		OnOnlineUsers: func(users []OnlineUser) {
			events.online <- users
		},
		OnTypingUpdate: func(users []string) {
			events.typing <- users
		},
		OnNameUpdated: func(msg NameUpdated) {
			events.nameUpdated <- msg
		},
		OnAdminStatus: func(msg AdminStatusMessage) {
			events.adminStatus <- msg
		},
		OnDelete: func(msg DeleteMessage) {
			events.deletes <- msg
		},
		OnEditBroadcast: func(msg EditBroadcast) {
			events.edits <- msg
		},
		OnReaction: func(msg ReactionMessage) {
			events.reactions <- msg
		},
		OnTransferIncoming: func(meta TransferMeta) {
			events.incoming <- meta
		},
		OnTransfer: func(meta TransferMeta, payload []byte) {
			events.transfers <- reassembledTransfer{meta: meta, payload: payload}
		},
	})
	if err != nil {
		t.Fatalf("dial test client %q: %v", uid, err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	return client, events
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func renameTo(t *testing.T, client *Client, events *clientEvents, name string) {
	t.Helper()
	if err := client.Rename(name); err != nil {
		t.Fatalf("rename to %q: %v", name, err)
	}
	updated := recv(t, events.nameUpdated, "rename confirmation")
	if updated.Name != name {
		t.Fatalf("expected rename to %q, got %q", name, updated.Name)
	}
}

func TestRelayChatEchoesToAllSessions(t *testing.T) {
	relay := newTestRelay(t, "")

	alice, aliceEvents := dialTestClient(t, relay, "uid-alice")
	recv(t, aliceEvents.identity, "alice identity")
	renameTo(t, alice, aliceEvents, "Alice")

	_, bobEvents := dialTestClient(t, relay, "uid-bob")
	recv(t, bobEvents.identity, "bob identity")

	if err := alice.SendChat("hello lan"); err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}

	for _, events := range []*clientEvents{aliceEvents, bobEvents} {
		msg := recv(t, events.chat, "chat broadcast")
		if msg.Text != "hello lan" {
			t.Fatalf("expected chat text %q, got %q", "hello lan", msg.Text)
		}
		if msg.Sender != "Alice" {
			t.Fatalf("expected sender Alice, got %q", msg.Sender)
		}
		if !strings.HasPrefix(msg.ID, "m-") {
			t.Fatalf("expected relay-assigned message id, got %q", msg.ID)
		}
		if msg.Timestamp == 0 {
			t.Fatalf("expected relay-assigned timestamp")
		}
	}
}

func TestRelayDuplicateIdentitySupersedesQuietly(t *testing.T) {
	relay := newTestRelay(t, "")

	first, firstEvents := dialTestClient(t, relay, "uid-dup")
	recv(t, firstEvents.identity, "first session identity")

	_, observerEvents := dialTestClient(t, relay, "uid-observer")
	recv(t, observerEvents.identity, "observer identity")

	second, secondEvents := dialTestClient(t, relay, "uid-dup")
	recv(t, secondEvents.identity, "second session identity")

	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("superseded session was not closed")
	}

	// The supersede is silent: the observer must not see a leave broadcast.
	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case msg := <-observerEvents.system:
			if strings.Contains(msg.Text, "left") {
				t.Fatalf("supersede leaked a leave broadcast: %q", msg.Text)
			}
		case <-deadline:
			if err := second.SendChat("still here"); err != nil {
				t.Fatalf("surviving session cannot chat: %v", err)
			}
			recv(t, observerEvents.chat, "chat from surviving session")
			return
		}
	}
}

func TestRelayAdminPromotionConsumesPassphrase(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("open sesame"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash admin secret: %v", err)
	}
	relay := newTestRelay(t, string(hash))

	admin, adminEvents := dialTestClient(t, relay, "uid-admin")
	recv(t, adminEvents.identity, "admin identity")
	renameTo(t, admin, adminEvents, "Root")

	_, peerEvents := dialTestClient(t, relay, "uid-peer")
	recv(t, peerEvents.identity, "peer identity")

	if err := admin.SendChat("open sesame"); err != nil {
		t.Fatalf("send passphrase: %v", err)
	}

	status := recv(t, adminEvents.adminStatus, "admin status")
	if !status.IsAdmin {
		t.Fatalf("expected admin grant")
	}
	promoted := recv(t, peerEvents.system, "promotion broadcast")
	if !strings.Contains(promoted.Text, "Root") || !strings.Contains(promoted.Text, "admin") {
		t.Fatalf("unexpected promotion broadcast: %q", promoted.Text)
	}

	// The passphrase itself must never be relayed as chat.
	select {
	case msg := <-peerEvents.chat:
		t.Fatalf("passphrase leaked to peers: %q", msg.Text)
	case <-time.After(300 * time.Millisecond):
	}

	// Only admins may edit.
	if err := admin.Edit("m-123", "redacted"); err != nil {
		t.Fatalf("admin edit failed: %v", err)
	}
	edit := recv(t, peerEvents.edits, "edit broadcast")
	if edit.MessageID != "m-123" || edit.NewText != "redacted" {
		t.Fatalf("unexpected edit broadcast: %+v", edit)
	}
}

func TestRelayNonAdminEditIsIgnored(t *testing.T) {
	relay := newTestRelay(t, "")

	peer, peerEvents := dialTestClient(t, relay, "uid-peer")
	recv(t, peerEvents.identity, "peer identity")

	_, observerEvents := dialTestClient(t, relay, "uid-observer")
	recv(t, observerEvents.identity, "observer identity")

	if err := peer.Edit("m-1", "tampered"); err != nil {
		t.Fatalf("send edit: %v", err)
	}

	select {
	case edit := <-observerEvents.edits:
		t.Fatalf("non-admin edit was broadcast: %+v", edit)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRelayDeleteAuthorization(t *testing.T) {
	relay := newTestRelay(t, "")

	alice, aliceEvents := dialTestClient(t, relay, "uid-alice")
	recv(t, aliceEvents.identity, "alice identity")
	renameTo(t, alice, aliceEvents, "Alice")

	bob, bobEvents := dialTestClient(t, relay, "uid-bob")
	recv(t, bobEvents.identity, "bob identity")
	renameTo(t, bob, bobEvents, "Bob")

	// Bob cannot delete Alice's message: his delete carries his own sender
	// name, which does not match.
	if err := bob.Delete("m-alice-1"); err != nil {
		t.Fatalf("send delete: %v", err)
	}
	select {
	case msg := <-aliceEvents.deletes:
		t.Fatalf("unexpected delete broadcast: %+v", msg)
	case <-time.After(300 * time.Millisecond):
	}

	// Alice deleting her own message is broadcast to everyone.
	if err := alice.Delete("m-alice-1"); err != nil {
		t.Fatalf("send delete: %v", err)
	}
	for _, events := range []*clientEvents{aliceEvents, bobEvents} {
		msg := recv(t, events.deletes, "delete broadcast")
		if msg.MessageID != "m-alice-1" {
			t.Fatalf("expected delete of m-alice-1, got %+v", msg)
		}
	}
}

func TestRelayTypingAggregate(t *testing.T) {
	relay := newTestRelay(t, "")

	alice, aliceEvents := dialTestClient(t, relay, "uid-alice")
	recv(t, aliceEvents.identity, "alice identity")
	renameTo(t, alice, aliceEvents, "Alice")

	_, bobEvents := dialTestClient(t, relay, "uid-bob")
	recv(t, bobEvents.identity, "bob identity")

	if err := alice.SetTyping(true); err != nil {
		t.Fatalf("SetTyping failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		select {
		case users := <-bobEvents.typing:
			return contains(users, "Alice")
		default:
			return false
		}
	}, "typing view to include Alice")

	if err := alice.SetTyping(false); err != nil {
		t.Fatalf("SetTyping failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		select {
		case users := <-bobEvents.typing:
			return !contains(users, "Alice")
		default:
			return false
		}
	}, "typing view to clear")
}

func TestRelayReactionIsRelayedVerbatim(t *testing.T) {
	relay := newTestRelay(t, "")

	alice, aliceEvents := dialTestClient(t, relay, "uid-alice")
	recv(t, aliceEvents.identity, "alice identity")
	renameTo(t, alice, aliceEvents, "Alice")

	_, bobEvents := dialTestClient(t, relay, "uid-bob")
	recv(t, bobEvents.identity, "bob identity")

	if err := alice.React("m-1", "!"); err != nil {
		t.Fatalf("React failed: %v", err)
	}

	reaction := recv(t, bobEvents.reactions, "reaction broadcast")
	if reaction.MessageID != "m-1" || reaction.Symbol != "!" {
		t.Fatalf("unexpected reaction broadcast: %+v", reaction)
	}
}

func TestRelayFileTransferEndToEnd(t *testing.T) {
	relay := newTestRelay(t, "")

	sender, senderEvents := dialTestClient(t, relay, "uid-sender")
	recv(t, senderEvents.identity, "sender identity")
	renameTo(t, sender, senderEvents, "Sender")

	_, receiverEvents := dialTestClient(t, relay, "uid-receiver")
	recv(t, receiverEvents.identity, "receiver identity")

	payload := fixturePayload(t, 300*1024)
	transferID, err := sender.SendFile("notes.bin", "application/octet-stream", payload)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	announced := recv(t, receiverEvents.incoming, "transfer announcement")
	if announced.ID != transferID {
		t.Fatalf("expected announcement for %s, got %s", transferID, announced.ID)
	}
	if announced.Name != "notes.bin" || announced.Kind != TransferKindFile {
		t.Fatalf("unexpected announcement meta: %+v", announced)
	}

	transfer := recv(t, receiverEvents.transfers, "reassembled transfer")
	if transfer.meta.ID != transferID {
		t.Fatalf("expected transfer %s, got %s", transferID, transfer.meta.ID)
	}
	if !bytes.Equal(transfer.payload, payload) {
		t.Fatalf("reassembled payload differs from original (%d vs %d bytes)", len(transfer.payload), len(payload))
	}
	if transfer.meta.Sender != "Sender" {
		t.Fatalf("expected sender name on meta, got %q", transfer.meta.Sender)
	}
}

func TestRelayRejectsOversizedTransfer(t *testing.T) {
	relay := newTestRelay(t, "")

	sender, senderEvents := dialTestClient(t, relay, "uid-sender")
	recv(t, senderEvents.identity, "sender identity")

	_, receiverEvents := dialTestClient(t, relay, "uid-receiver")
	recv(t, receiverEvents.identity, "receiver identity")

	// A frame whose declared total exceeds the relay limit is dropped before
	// scheduling, so the receiver never sees an announcement.
	meta := TransferMeta{
		ID:          "m-fhuge",
		Kind:        TransferKindFile,
		Size:        DefaultMaxPayloadSize + 1,
		TotalChunks: 1,
		ChunkSize:   4,
	}
	frame, err := EncodeBinaryFrame(meta, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("encode oversized frame: %v", err)
	}
	if err := sender.conn.sendWithBackpressure(websocket.BinaryMessage, frame, DefaultBackpressureThreshold, time.Second); err != nil {
		t.Fatalf("send oversized frame: %v", err)
	}

	select {
	case announced := <-receiverEvents.incoming:
		t.Fatalf("oversized transfer was announced: %+v", announced)
	case <-time.After(300 * time.Millisecond):
	}
}
