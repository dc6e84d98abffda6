package network

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ClientOptions configures a relay client. All callbacks are optional and
// invoked from the client's single read goroutine; a slow callback stalls
// receiving, not other peers.
type ClientOptions struct {
	// UID is the stable client identity. Generated when empty.
	UID string

	ChunkSize             int
	BackpressureThreshold int64
	SendTimeout           time.Duration
	MaxFrameSize          int64
	MaxPayloadSize        int64
	ReassemblyStaleness   time.Duration
	ProgressInterval      time.Duration
	Logger                *log.Logger

	OnChat             func(ChatMessage)
	OnSystem           func(SystemMessage)
	OnIdentity         func(IdentityConfirmed)
	OnAdminStatus      func(AdminStatusMessage)
	OnOnlineUsers      func([]OnlineUser)
	OnTypingUpdate     func([]string)
	OnNameUpdated      func(NameUpdated)
	OnDelete           func(DeleteMessage)
	OnEditBroadcast    func(EditBroadcast)
	OnReaction         func(ReactionMessage)
	OnTransferIncoming func(TransferMeta)
	OnTransferProgress func(TransferProgress)
	// OnTransfer receives each fully reassembled binary payload.
	OnTransfer func(TransferMeta, []byte)
	// OnReceiveProgress reports local reassembly progress, rate limited.
	OnReceiveProgress func(transferID string, percent int)
	OnClose           func(error)
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.UID == "" {
		out.UID = uuid.NewString()
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.BackpressureThreshold <= 0 {
		out.BackpressureThreshold = DefaultBackpressureThreshold
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = DefaultSendTimeout
	}
	if out.MaxFrameSize <= 0 {
		out.MaxFrameSize = DefaultMaxFrameSize
	}
	if out.MaxPayloadSize <= 0 {
		out.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if out.ReassemblyStaleness <= 0 {
		out.ReassemblyStaleness = DefaultReassemblyStaleness
	}
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	return out
}

// Client is one relay participant: it identifies itself on connect, exposes
// the relay's control operations as methods, and reassembles inbound binary
// transfers.
type Client struct {
	options ClientOptions
	logger  *log.Logger

	conn        *wsConn
	reassembler *Reassembler

	mu       sync.RWMutex
	username string
	isAdmin  bool

	wg sync.WaitGroup
}

// DialRelay connects to a relay's /ws endpoint (e.g. ws://host:3000/ws) and
// identifies with the configured UID. The returned client is live; inbound
// traffic is delivered through the option callbacks.
func DialRelay(url string, options ClientOptions) (*Client, error) {
	opts := options.withDefaults()

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %q: %w", url, err)
	}

	client := &Client{
		options: opts,
		logger:  opts.Logger,
		conn:    newWSConn(ws, 0, opts.Logger),
	}
	client.reassembler = NewReassembler(ReassemblerOptions{
		Staleness:        opts.ReassemblyStaleness,
		ProgressInterval: opts.ProgressInterval,
		OnProgress:       opts.OnReceiveProgress,
	})

	ws.SetReadLimit(opts.MaxFrameSize)

	if err := client.sendControl(IdentifyMessage{Type: TypeIdentify, UID: opts.UID}); err != nil {
		_ = client.conn.Close()
		return nil, fmt.Errorf("identify: %w", err)
	}

	client.wg.Add(2)
	go client.readLoop()
	go client.evictLoop()

	return client, nil
}

// UID returns the stable identity the client connected with.
func (c *Client) UID() string {
	return c.options.UID
}

// Username returns the relay-confirmed display name, empty until the
// identity is confirmed.
func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// IsAdmin reports whether the relay has granted this session admin standing.
func (c *Client) IsAdmin() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isAdmin
}

// Done is closed once the connection is torn down.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

// Close disconnects from the relay.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// SendChat sends one chat line. The relay echoes it back through OnChat,
// which doubles as the delivery receipt.
func (c *Client) SendChat(text string) error {
	return c.sendControl(ChatMessage{Type: TypeChat, Text: text})
}

// SetTyping toggles this client's entry in the shared typing view.
func (c *Client) SetTyping(typing bool) error {
	return c.sendControl(TypingMessage{Type: TypeTyping, IsTyping: typing})
}

// Rename requests a new display name. The accepted name arrives through
// OnNameUpdated.
func (c *Client) Rename(name string) error {
	return c.sendControl(RenameMessage{Type: TypeRename, Name: name})
}

// Delete requests deletion of a message on every peer. Non-admins may only
// delete their own messages; the relay enforces this.
func (c *Client) Delete(messageID string) error {
	return c.sendControl(DeleteMessage{Type: TypeDelete, MessageID: messageID, Sender: c.Username()})
}

// Edit requests an admin edit of an existing message.
func (c *Client) Edit(messageID, newText string) error {
	return c.sendControl(EditMessage{Type: TypeEdit, MessageID: messageID, NewText: newText})
}

// React sends this client's reaction for a message. Peers keep only the last
// reaction per reactor.
func (c *Client) React(messageID, symbol string) error {
	return c.sendControl(ReactionMessage{Type: TypeReaction, MessageID: messageID, Symbol: symbol})
}

// SendFile streams a named payload to all peers and returns the transfer id.
func (c *Client) SendFile(name, mime string, payload []byte) (string, error) {
	return c.sendTransfer("m-f"+uuid.NewString(), TransferKindFile, name, mime, payload)
}

// SendVoice streams a recorded clip to all peers and returns the transfer id.
func (c *Client) SendVoice(mime string, payload []byte) (string, error) {
	return c.sendTransfer("m-v"+uuid.NewString(), TransferKindVoice, "", mime, payload)
}

func (c *Client) sendTransfer(id, kind, name, mime string, payload []byte) (string, error) {
	if int64(len(payload)) > c.options.MaxPayloadSize {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	meta := TransferMeta{
		ID:        id,
		Kind:      kind,
		Sender:    c.Username(),
		Timestamp: time.Now().UnixMilli(),
		Mime:      mime,
		Name:      name,
		Size:      int64(len(payload)),
	}

	chunker := NewChunker(meta, payload, c.options.ChunkSize)
	for {
		frame, err := chunker.Next()
		if errors.Is(err, io.EOF) {
			return meta.ID, nil
		}
		if err != nil {
			return "", err
		}
		if err := c.conn.sendWithBackpressure(websocket.BinaryMessage, frame, c.options.BackpressureThreshold, c.options.SendTimeout); err != nil {
			return "", err
		}
	}
}

func (c *Client) sendControl(v any) error {
	data, err := EncodeJSON(v)
	if err != nil {
		return err
	}
	return c.conn.sendWithBackpressure(websocket.TextMessage, data, c.options.BackpressureThreshold, c.options.SendTimeout)
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer func() {
		err := c.conn.LastError()
		_ = c.conn.Close()
		if c.options.OnClose != nil {
			c.options.OnClose(err)
		}
	}()

	for {
		messageType, data, err := c.conn.ws.ReadMessage()
		if err != nil {
			c.conn.closeWithError(err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.handleBinary(data)
		case websocket.TextMessage:
			c.handleControl(data)
		}
	}
}

// evictLoop prunes reassembly state for transfers whose sender went away
// mid-stream.
func (c *Client) evictLoop() {
	defer c.wg.Done()

	interval := c.options.ReassemblyStaleness / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.conn.Done():
			return
		case now := <-ticker.C:
			if n := c.reassembler.EvictStale(now); n > 0 {
				c.logger.Printf("evicted %d stale incoming transfers", n)
			}
		}
	}
}

func (c *Client) handleBinary(frame []byte) {
	meta, payload, err := DecodeBinaryFrame(frame)
	if err != nil {
		c.logger.Printf("dropping malformed binary frame: %v", err)
		return
	}

	result, err := c.reassembler.OnChunk(meta, payload)
	if err != nil {
		c.logger.Printf("dropping chunk for %s: %v", meta.ID, err)
		return
	}
	// A straggler for an already completed transfer reports Complete with a
	// nil payload; only the completion that carries the payload is delivered.
	if result.Complete && result.Payload != nil && c.options.OnTransfer != nil {
		c.options.OnTransfer(result.Meta, result.Payload)
	}
}

func (c *Client) handleControl(data []byte) {
	messageType, err := DecodeMessageType(data)
	if err != nil {
		c.logger.Printf("dropping malformed control frame: %v", err)
		return
	}

	switch messageType {
	case TypeIdentityConfirmed:
		var msg IdentityConfirmed
		if decodeControl(data, &msg, c.logger) {
			c.mu.Lock()
			c.username = msg.Username
			c.mu.Unlock()
			if c.options.OnIdentity != nil {
				c.options.OnIdentity(msg)
			}
		}
	case TypeAdminStatus:
		var msg AdminStatusMessage
		if decodeControl(data, &msg, c.logger) {
			c.mu.Lock()
			c.isAdmin = msg.IsAdmin
			c.mu.Unlock()
			if c.options.OnAdminStatus != nil {
				c.options.OnAdminStatus(msg)
			}
		}
	case TypeNameUpdated:
		var msg NameUpdated
		if decodeControl(data, &msg, c.logger) {
			c.mu.Lock()
			c.username = msg.Name
			c.mu.Unlock()
			if c.options.OnNameUpdated != nil {
				c.options.OnNameUpdated(msg)
			}
		}
	case TypeChat:
		var msg ChatMessage
		if decodeControl(data, &msg, c.logger) && c.options.OnChat != nil {
			c.options.OnChat(msg)
		}
	case TypeSystem:
		var msg SystemMessage
		if decodeControl(data, &msg, c.logger) && c.options.OnSystem != nil {
			c.options.OnSystem(msg)
		}
	case TypeOnlineUsers:
		var msg OnlineUsersMessage
		if decodeControl(data, &msg, c.logger) && c.options.OnOnlineUsers != nil {
			c.options.OnOnlineUsers(msg.Users)
		}
	case TypeTypingUpdate:
		var msg TypingUpdate
		if decodeControl(data, &msg, c.logger) && c.options.OnTypingUpdate != nil {
			c.options.OnTypingUpdate(msg.Users)
		}
	case TypeDelete:
		var msg DeleteMessage
		if decodeControl(data, &msg, c.logger) && c.options.OnDelete != nil {
			c.options.OnDelete(msg)
		}
	case TypeEditBroadcast:
		var msg EditBroadcast
		if decodeControl(data, &msg, c.logger) && c.options.OnEditBroadcast != nil {
			c.options.OnEditBroadcast(msg)
		}
	case TypeReaction:
		var msg ReactionMessage
		if decodeControl(data, &msg, c.logger) && c.options.OnReaction != nil {
			c.options.OnReaction(msg)
		}
	case TypeTransferIncoming:
		var msg TransferIncoming
		if decodeControl(data, &msg, c.logger) && c.options.OnTransferIncoming != nil {
			c.options.OnTransferIncoming(msg.Meta)
		}
	case TypeTransferProgress:
		var msg TransferProgress
		if decodeControl(data, &msg, c.logger) && c.options.OnTransferProgress != nil {
			c.options.OnTransferProgress(msg)
		}
	default:
		// Unknown control types are ignored for forward compatibility.
	}
}
