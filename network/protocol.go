package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// DefaultMaxFrameSize is the maximum accepted single-frame size (20 MB).
	DefaultMaxFrameSize = 20 * 1024 * 1024
	// DefaultMaxPayloadSize is the maximum accepted transfer size (100 MB).
	DefaultMaxPayloadSize = 100 * 1024 * 1024
	// DefaultChunkSize is the target chunk size for binary transfers (1 MB).
	DefaultChunkSize = 1024 * 1024
	// DefaultBackpressureThreshold pauses sends while a connection's
	// outbound buffer exceeds this many bytes (512 KB).
	DefaultBackpressureThreshold = 512 * 1024
	// DefaultSendTimeout bounds how long one peer's copy of a frame may wait
	// for the outbound buffer to drain.
	DefaultSendTimeout = 30 * time.Second
	// DefaultReassemblyStaleness evicts incomplete transfers with no
	// terminal chunk after this long.
	DefaultReassemblyStaleness = 3 * time.Minute
	// DefaultPingInterval sends WebSocket pings on idle connections.
	DefaultPingInterval = 30 * time.Second
	// MaxChunksPerTransfer caps the per-transfer slot table. Sized to
	// support chunk sizes down to 1 KB at the maximum payload size, so a
	// tiny frame cannot declare an arbitrarily large transfer.
	MaxChunksPerTransfer = DefaultMaxPayloadSize / 1024
)

// Control message type discriminators.
const (
	TypeIdentify          = "identify"
	TypeIdentityConfirmed = "identity_confirmed"
	TypeAdminStatus       = "admin_status"
	TypeOnlineUsers       = "online_users"
	TypeChat              = "chat"
	TypeSystem            = "system"
	TypeTyping            = "typing"
	TypeTypingUpdate      = "typing_update"
	TypeRename            = "rename"
	TypeNameUpdated       = "name_updated"
	TypeDelete            = "delete"
	TypeEdit              = "edit"
	TypeEditBroadcast     = "edit_broadcast"
	TypeReaction          = "reaction"
	TypeTransferIncoming  = "transfer_incoming"
	TypeTransferProgress  = "transfer_progress"
)

// Transfer payload kinds carried in TransferMeta.Kind.
const (
	TransferKindFile  = "file"
	TransferKindVoice = "voice"
)

var (
	// ErrMalformedFrame indicates a binary frame that cannot be decoded.
	ErrMalformedFrame = errors.New("network: malformed frame")
	// ErrFrameTooLarge indicates a frame payload exceeds the accepted size.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrPayloadTooLarge indicates a transfer exceeds the accepted total size.
	ErrPayloadTooLarge = errors.New("network: payload exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrPeerTimeout indicates a peer's outbound buffer never drained in time.
	ErrPeerTimeout = errors.New("network: peer send timeout")
	// ErrPeerClosed indicates the peer connection closed while sending.
	ErrPeerClosed = errors.New("network: peer connection closed")
)

// TransferMeta is the self-describing metadata attached to every binary chunk.
// All chunks of one transfer share the same ID; ChunkIndex, TotalChunks and
// ChunkSize are overlaid per chunk.
type TransferMeta struct {
	ID          string `json:"id"`
	Kind        string `json:"type"`
	Sender      string `json:"sender"`
	Timestamp   int64  `json:"timestamp"`
	Mime        string `json:"mime"`
	Name        string `json:"name,omitempty"`
	Size        int64  `json:"size,omitempty"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int    `json:"chunkSize"`
}

// Validate rejects metadata that cannot address a reassembly slot.
func (m TransferMeta) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: empty transfer id", ErrMalformedFrame)
	}
	if m.TotalChunks < 1 || m.TotalChunks > MaxChunksPerTransfer {
		return fmt.Errorf("%w: total chunks %d", ErrMalformedFrame, m.TotalChunks)
	}
	if m.ChunkIndex < 0 || m.ChunkIndex >= m.TotalChunks {
		return fmt.Errorf("%w: chunk index %d of %d", ErrMalformedFrame, m.ChunkIndex, m.TotalChunks)
	}
	return nil
}

// Envelope identifies the control message type.
type Envelope struct {
	Type string `json:"type"`
}

// IdentifyMessage binds a connection to a stable client identity.
type IdentifyMessage struct {
	Type string `json:"type"`
	UID  string `json:"uid"`
}

// IdentityConfirmed acknowledges identification with the resolved name.
type IdentityConfirmed struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// AdminStatusMessage informs one session of its admin standing.
type AdminStatusMessage struct {
	Type    string `json:"type"`
	IsAdmin bool   `json:"isAdmin"`
}

// OnlineUser is one entry of the online-list view.
type OnlineUser struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

// OnlineUsersMessage is the aggregate presence view.
type OnlineUsersMessage struct {
	Type  string       `json:"type"`
	Users []OnlineUser `json:"users"`
}

// ChatMessage is a plain text chat line.
type ChatMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Text      string `json:"text"`
	Sender    string `json:"sender,omitempty"`
	IsAdmin   bool   `json:"isAdmin,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// SystemMessage is an informational broadcast line.
type SystemMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TypingMessage toggles the sender's typing flag.
type TypingMessage struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"isTyping"`
}

// TypingUpdate is the aggregate "who is typing" view.
type TypingUpdate struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// RenameMessage requests a display name change.
type RenameMessage struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// NameUpdated acknowledges a rename to the requesting connection only.
type NameUpdated struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// DeleteMessage requests message deletion on all peers.
type DeleteMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Sender    string `json:"sender,omitempty"`
}

// EditMessage requests an admin edit of an existing message.
type EditMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
}

// EditBroadcast relays an accepted edit to all peers.
type EditBroadcast struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
}

// ReactionMessage carries one reactor's last reaction for a message.
type ReactionMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Reactor   string `json:"reactor"`
	Symbol    string `json:"symbol"`
}

// TransferIncoming announces a binary transfer before its first byte.
type TransferIncoming struct {
	Type string       `json:"type"`
	Meta TransferMeta `json:"meta"`
}

// TransferProgress reports relay-side forwarding progress for a transfer.
type TransferProgress struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Percent   int    `json:"percent"`
}

// EncodeJSON marshals a control message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal control message: %w", err)
	}
	return payload, nil
}

func decodeJSON(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode control message: %w", err)
	}
	return nil
}

// DecodeMessageType extracts the "type" field from a control payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// EncodeBinaryFrame builds one wire frame:
// [4-byte big-endian metadata length][UTF-8 JSON metadata][payload].
func EncodeBinaryFrame(meta TransferMeta, payload []byte) ([]byte, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal transfer meta: %w", err)
	}

	frame := make([]byte, 4+len(metaJSON)+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(metaJSON)))
	copy(frame[4:], metaJSON)
	copy(frame[4+len(metaJSON):], payload)
	return frame, nil
}

// DecodeBinaryFrame splits one wire frame back into metadata and payload.
// The returned payload aliases the frame buffer.
func DecodeBinaryFrame(frame []byte) (TransferMeta, []byte, error) {
	meta, offset, err := DecodeFrameMeta(frame)
	if err != nil {
		return TransferMeta{}, nil, err
	}
	return meta, frame[offset:], nil
}

// DecodeFrameMeta parses only the metadata header and returns the payload
// offset, leaving the payload bytes untouched. The relay forwards frames
// verbatim and never needs more than this.
func DecodeFrameMeta(frame []byte) (TransferMeta, int, error) {
	if len(frame) < 4 {
		return TransferMeta{}, 0, fmt.Errorf("%w: short header", ErrMalformedFrame)
	}

	metaLen := int(binary.BigEndian.Uint32(frame[:4]))
	if metaLen < 0 || 4+metaLen > len(frame) {
		return TransferMeta{}, 0, fmt.Errorf("%w: metadata length %d exceeds frame", ErrMalformedFrame, metaLen)
	}

	var meta TransferMeta
	if err := json.Unmarshal(frame[4:4+metaLen], &meta); err != nil {
		return TransferMeta{}, 0, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	return meta, 4 + metaLen, nil
}
