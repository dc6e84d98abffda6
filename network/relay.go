package network

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"netless/storage"
)

const (
	// DefaultMaxNameLength caps display names, matching the client UI.
	DefaultMaxNameLength = 15

	upgradeReadBuffer  = 4096
	upgradeWriteBuffer = 4096
)

// RelayOptions configures a Relay instance.
type RelayOptions struct {
	// Store is the user directory resolving stable ids to display names.
	Store *storage.Store

	// AdminSecretHash is the bcrypt hash of the admin shared secret.
	// Empty disables admin upgrades.
	AdminSecretHash string

	BackpressureThreshold int64
	SendTimeout           time.Duration
	QueueDepth            int
	ChunkBuffer           int
	ReassemblyStaleness   time.Duration
	MaxFrameSize          int64
	MaxPayloadSize        int64
	MaxNameLength         int
	PingInterval          time.Duration

	Logger   *log.Logger
	Upgrader *websocket.Upgrader
}

func (o RelayOptions) withDefaults() RelayOptions {
	out := o
	if out.BackpressureThreshold <= 0 {
		out.BackpressureThreshold = DefaultBackpressureThreshold
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = DefaultSendTimeout
	}
	if out.ReassemblyStaleness <= 0 {
		out.ReassemblyStaleness = DefaultReassemblyStaleness
	}
	if out.MaxFrameSize <= 0 {
		out.MaxFrameSize = DefaultMaxFrameSize
	}
	if out.MaxPayloadSize <= 0 {
		out.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if out.MaxNameLength <= 0 {
		out.MaxNameLength = DefaultMaxNameLength
	}
	if out.PingInterval <= 0 {
		out.PingInterval = DefaultPingInterval
	}
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	return out
}

// Relay accepts WebSocket sessions and fans every participant's control and
// binary traffic out to all other participants. Binary frames are forwarded
// verbatim; the relay only decodes their metadata header to schedule and
// announce transfers, never reassembling payloads itself.
type Relay struct {
	options RelayOptions
	logger  *log.Logger

	upgrader   websocket.Upgrader
	listener   net.Listener
	httpServer *http.Server

	scheduler *Scheduler
	sessions  *sessionRegistry

	connMu sync.RWMutex
	conns  map[*relayClient]struct{}

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// relayClient is one accepted connection.
type relayClient struct {
	*wsConn
	key   string
	relay *Relay
}

func (c *relayClient) Key() string {
	return c.key
}

// SendBinary forwards one binary frame through the backpressure gate.
func (c *relayClient) SendBinary(frame []byte) error {
	return c.sendWithBackpressure(
		websocket.BinaryMessage,
		frame,
		c.relay.options.BackpressureThreshold,
		c.relay.options.SendTimeout,
	)
}

// ListenRelay starts a relay server on address, serving WebSocket upgrades
// at /ws.
func ListenRelay(address string, options RelayOptions) (*Relay, error) {
	opts := options.withDefaults()
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  upgradeReadBuffer,
		WriteBufferSize: upgradeWriteBuffer,
		CheckOrigin: func(r *http.Request) bool {
			// LAN-local deployment; the relay trusts every origin.
			return true
		},
	}
	if opts.Upgrader != nil {
		upgrader = *opts.Upgrader
	}

	relay := &Relay{
		options:  opts,
		logger:   opts.Logger,
		upgrader: upgrader,
		listener: listener,
		sessions: newSessionRegistry(),
		conns:    make(map[*relayClient]struct{}),
		closed:   make(chan struct{}),
	}

	relay.scheduler = NewScheduler(SchedulerOptions{
		QueueDepth:      opts.QueueDepth,
		ChunkBuffer:     opts.ChunkBuffer,
		Staleness:       opts.ReassemblyStaleness,
		Logger:          opts.Logger,
		Targets:         relay.targets,
		OnTransferBegin: relay.announceTransfer,
		OnTransferEnd:   relay.announceTransferComplete,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", relay.handleUpgrade)
	relay.httpServer = &http.Server{Handler: mux}

	relay.wg.Add(1)
	go func() {
		defer relay.wg.Done()
		if err := relay.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			relay.logger.Printf("relay http server: %v", err)
		}
	}()

	return relay, nil
}

// Addr returns the listening address.
func (r *Relay) Addr() net.Addr {
	return r.listener.Addr()
}

// Close stops accepting connections, terminates all sessions, and waits for
// background work to finish.
func (r *Relay) Close() error {
	var closeErr error
	r.closeOnce.Do(func() {
		close(r.closed)
		closeErr = r.httpServer.Close()

		r.connMu.Lock()
		conns := make([]*relayClient, 0, len(r.conns))
		for c := range r.conns {
			conns = append(conns, c)
		}
		r.connMu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}

		r.scheduler.Close()
		r.wg.Wait()
	})
	return closeErr
}

func (r *Relay) handleUpgrade(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("upgrade failed: %v", err)
		return
	}

	client := &relayClient{
		wsConn: newWSConn(ws, r.options.PingInterval, r.logger),
		key:    uuid.NewString(),
		relay:  r,
	}

	r.connMu.Lock()
	select {
	case <-r.closed:
		r.connMu.Unlock()
		_ = client.Close()
		return
	default:
	}
	r.conns[client] = struct{}{}
	r.connMu.Unlock()

	r.wg.Add(1)
	go r.readLoop(client)
}

func (r *Relay) readLoop(client *relayClient) {
	defer r.wg.Done()
	defer r.dropClient(client)

	ws := client.ws
	ws.SetReadLimit(r.options.MaxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Printf("read error: %v", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		switch messageType {
		case websocket.BinaryMessage:
			r.handleBinary(client, data)
		case websocket.TextMessage:
			r.handleControl(client, data)
		}
	}
}

func (r *Relay) dropClient(client *relayClient) {
	r.connMu.Lock()
	delete(r.conns, client)
	r.connMu.Unlock()

	_ = client.Close()

	session, superseded := r.sessions.Remove(client)
	if session == nil || superseded {
		return
	}

	r.broadcastJSON(SystemMessage{Type: TypeSystem, Text: session.Username + " left"}, client)
	r.broadcastOnlineUsers()
	r.broadcastTypingUpdate()
}

// handleBinary routes one verbatim chunk frame into the broadcast scheduler.
// Malformed frames are dropped and logged; the connection stays up.
func (r *Relay) handleBinary(client *relayClient, frame []byte) {
	meta, _, err := DecodeFrameMeta(frame)
	if err != nil {
		r.logger.Printf("dropping malformed binary frame: %v", err)
		return
	}
	if err := meta.Validate(); err != nil {
		r.logger.Printf("dropping binary frame: %v", err)
		return
	}
	if meta.Size > r.options.MaxPayloadSize {
		r.logger.Printf("dropping transfer %s: declared size %d exceeds limit", meta.ID, meta.Size)
		return
	}
	if r.sessions.Lookup(client) == nil {
		r.logger.Printf("dropping binary frame from unidentified connection")
		return
	}

	r.scheduler.EnqueueChunk(meta, frame)
}

func (r *Relay) handleControl(client *relayClient, data []byte) {
	messageType, err := DecodeMessageType(data)
	if err != nil {
		r.logger.Printf("dropping malformed control frame: %v", err)
		return
	}

	switch messageType {
	case TypeIdentify:
		var msg IdentifyMessage
		if decodeControl(data, &msg, r.logger) {
			r.handleIdentify(client, msg)
		}
	case TypeChat:
		var msg ChatMessage
		if decodeControl(data, &msg, r.logger) {
			r.handleChat(client, msg)
		}
	case TypeTyping:
		var msg TypingMessage
		if decodeControl(data, &msg, r.logger) {
			r.handleTyping(client, msg)
		}
	case TypeRename:
		var msg RenameMessage
		if decodeControl(data, &msg, r.logger) {
			r.handleRename(client, msg)
		}
	case TypeDelete:
		var msg DeleteMessage
		if decodeControl(data, &msg, r.logger) {
			r.handleDelete(client, msg)
		}
	case TypeEdit:
		var msg EditMessage
		if decodeControl(data, &msg, r.logger) {
			r.handleEdit(client, msg)
		}
	case TypeReaction:
		var msg ReactionMessage
		if decodeControl(data, &msg, r.logger) {
			r.handleReaction(client, msg)
		}
	default:
		// Unknown control types are ignored for forward compatibility.
	}
}

func (r *Relay) handleIdentify(client *relayClient, msg IdentifyMessage) {
	uid := strings.TrimSpace(msg.UID)
	if uid == "" {
		return
	}

	username, err := r.options.Store.LookupOrAssign(uid)
	if err != nil {
		// Directory failure is not fatal; serve with an in-memory name.
		r.logger.Printf("user directory lookup for %q failed: %v", uid, err)
		username = storage.RandomUsername()
	}

	session, displaced := r.sessions.Register(client, uid, username)
	if displaced != nil {
		r.logger.Printf("identity %q reconnected, terminating prior session", uid)
		_ = displaced.Close()
	}

	r.sendJSON(client, IdentityConfirmed{Type: TypeIdentityConfirmed, Username: session.Username})
	r.broadcastJSON(SystemMessage{Type: TypeSystem, Text: session.Username + " joined"}, client)
	r.broadcastOnlineUsers()
}

func (r *Relay) handleChat(client *relayClient, msg ChatMessage) {
	session := r.sessions.Lookup(client)
	if session == nil {
		return
	}

	if r.isAdminUpgrade(session, msg.Text) {
		if promoted, ok := r.sessions.Promote(client); ok {
			r.sendJSON(client, AdminStatusMessage{Type: TypeAdminStatus, IsAdmin: true})
			r.broadcastJSON(SystemMessage{Type: TypeSystem, Text: promoted.Username + " is now an admin"}, nil)
			r.broadcastOnlineUsers()
		}
		return
	}

	if r.sessions.SetTyping(client, false) {
		r.broadcastTypingUpdate()
	}

	r.broadcastJSON(ChatMessage{
		Type:      TypeChat,
		ID:        "m-" + uuid.NewString(),
		Text:      msg.Text,
		Sender:    session.Username,
		IsAdmin:   session.IsAdmin,
		Timestamp: time.Now().UnixMilli(),
	}, nil)
}

// isAdminUpgrade reports whether a chat line is the admin passphrase. The
// passphrase message is consumed, never relayed.
func (r *Relay) isAdminUpgrade(session *Session, text string) bool {
	if r.options.AdminSecretHash == "" || session.IsAdmin || text == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(r.options.AdminSecretHash), []byte(text)) == nil
}

func (r *Relay) handleTyping(client *relayClient, msg TypingMessage) {
	if r.sessions.SetTyping(client, msg.IsTyping) {
		r.broadcastTypingUpdate()
	}
}

func (r *Relay) handleRename(client *relayClient, msg RenameMessage) {
	session := r.sessions.Lookup(client)
	if session == nil {
		return
	}

	name := strings.TrimSpace(msg.Name)
	if runes := []rune(name); len(runes) > r.options.MaxNameLength {
		name = string(runes[:r.options.MaxNameLength])
	}
	if name == "" || name == session.Username {
		return
	}

	old, ok := r.sessions.Rename(client, name)
	if !ok {
		return
	}
	if err := r.options.Store.Rename(session.StableID, name); err != nil {
		r.logger.Printf("user directory rename for %q failed: %v (kept in memory)", session.StableID, err)
	}

	r.broadcastJSON(SystemMessage{Type: TypeSystem, Text: old + " is now " + name}, nil)
	r.sendJSON(client, NameUpdated{Type: TypeNameUpdated, Name: name})
	r.broadcastTypingUpdate()
	r.broadcastOnlineUsers()
}

// handleDelete gates deletion on ownership or admin standing. The relay
// keeps no message history, so ownership is judged by the sender name the
// requester claims against its session name; peers on the LAN are trusted
// not to forge it. Tracking chat ids to their authors would close this.
func (r *Relay) handleDelete(client *relayClient, msg DeleteMessage) {
	session := r.sessions.Lookup(client)
	if session == nil {
		return
	}
	if !session.IsAdmin && msg.Sender != session.Username {
		r.logger.Printf("%s attempted to delete another user's message", session.Username)
		return
	}

	msg.Type = TypeDelete
	r.broadcastJSON(msg, nil)
}

func (r *Relay) handleEdit(client *relayClient, msg EditMessage) {
	session := r.sessions.Lookup(client)
	if session == nil || !session.IsAdmin {
		return
	}

	r.broadcastJSON(EditBroadcast{
		Type:      TypeEditBroadcast,
		MessageID: msg.MessageID,
		NewText:   msg.NewText,
	}, nil)
}

func (r *Relay) handleReaction(client *relayClient, msg ReactionMessage) {
	if r.sessions.Lookup(client) == nil {
		return
	}

	msg.Type = TypeReaction
	r.broadcastJSON(msg, nil)
}

func (r *Relay) announceTransfer(meta TransferMeta) {
	r.broadcastJSON(TransferIncoming{Type: TypeTransferIncoming, Meta: meta}, nil)
}

func (r *Relay) announceTransferComplete(transferID string) {
	r.broadcastJSON(TransferProgress{Type: TypeTransferProgress, MessageID: transferID, Percent: 100}, nil)
}

func (r *Relay) broadcastOnlineUsers() {
	r.broadcastJSON(OnlineUsersMessage{Type: TypeOnlineUsers, Users: r.sessions.OnlineUsers()}, nil)
}

// broadcastTypingUpdate always broadcasts, empty list included; silencing an
// empty view is the receiving side's concern.
func (r *Relay) broadcastTypingUpdate() {
	r.broadcastJSON(TypingUpdate{Type: TypeTypingUpdate, Users: r.sessions.TypingUsers()}, nil)
}

func (r *Relay) targets() []broadcastTarget {
	r.connMu.RLock()
	defer r.connMu.RUnlock()

	out := make([]broadcastTarget, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Relay) sendJSON(client *relayClient, v any) {
	data, err := EncodeJSON(v)
	if err != nil {
		r.logger.Printf("marshal outbound message: %v", err)
		return
	}
	if err := client.sendWithBackpressure(websocket.TextMessage, data, r.options.BackpressureThreshold, r.options.SendTimeout); err != nil {
		if errors.Is(err, ErrPeerTimeout) {
			r.logger.Printf("control send to %s timed out", client.key)
		}
	}
}

func (r *Relay) broadcastJSON(v any, exclude *relayClient) {
	data, err := EncodeJSON(v)
	if err != nil {
		r.logger.Printf("marshal broadcast: %v", err)
		return
	}

	r.connMu.RLock()
	conns := make([]*relayClient, 0, len(r.conns))
	for c := range r.conns {
		if c != exclude {
			conns = append(conns, c)
		}
	}
	r.connMu.RUnlock()

	for _, c := range conns {
		if err := c.sendWithBackpressure(websocket.TextMessage, data, r.options.BackpressureThreshold, r.options.SendTimeout); err != nil {
			if errors.Is(err, ErrPeerTimeout) {
				r.logger.Printf("broadcast to %s timed out, skipping", c.key)
			}
		}
	}
}

func decodeControl(data []byte, v any, logger *log.Logger) bool {
	if err := decodeJSON(data, v); err != nil {
		logger.Printf("dropping malformed control frame: %v", err)
		return false
	}
	return true
}
