package network

import (
	"bytes"
	"log"
	"testing"
)

// newLoopbackClient builds a client whose inbound path can be driven
// directly, without a live connection.
func newLoopbackClient(t *testing.T, options ClientOptions) *Client {
	t.Helper()

	opts := options.withDefaults()
	return &Client{
		options: opts,
		logger:  log.Default(),
		reassembler: NewReassembler(ReassemblerOptions{
			Staleness:        opts.ReassemblyStaleness,
			ProgressInterval: opts.ProgressInterval,
		}),
	}
}

func TestClientDeliversCompletedTransferExactlyOnce(t *testing.T) {
	var calls int
	var delivered []byte
	client := newLoopbackClient(t, ClientOptions{
		OnTransfer: func(meta TransferMeta, payload []byte) {
			calls++
			delivered = payload
		},
	})

	payload := fixturePayload(t, 5000)
	chunker := NewChunker(TransferMeta{ID: "m-f1", Kind: TransferKindFile}, payload, 2048)
	frames := drainChunker(t, chunker)

	for _, frame := range frames {
		client.handleBinary(frame)
	}
	if calls != 1 {
		t.Fatalf("expected one delivery after completion, got %d", calls)
	}
	if !bytes.Equal(delivered, payload) {
		t.Fatalf("delivered payload differs from original")
	}

	// A straggler duplicate of the first chunk must not trigger a second
	// delivery.
	client.handleBinary(frames[0])
	if calls != 1 {
		t.Fatalf("straggler chunk re-fired delivery: %d calls", calls)
	}
}

func TestClientDeliversEmptyTransfer(t *testing.T) {
	var calls int
	var delivered []byte
	client := newLoopbackClient(t, ClientOptions{
		OnTransfer: func(meta TransferMeta, payload []byte) {
			calls++
			delivered = payload
		},
	})

	chunker := NewChunker(TransferMeta{ID: "m-v1", Kind: TransferKindVoice}, nil, 2048)
	for _, frame := range drainChunker(t, chunker) {
		client.handleBinary(frame)
	}

	if calls != 1 {
		t.Fatalf("expected empty transfer to be delivered once, got %d calls", calls)
	}
	if delivered == nil || len(delivered) != 0 {
		t.Fatalf("expected non-nil empty payload, got %v", delivered)
	}
}
