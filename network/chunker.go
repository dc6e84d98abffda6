package network

import "io"

// Chunker splits one payload into a sequence of independently framed chunks.
// Frames are produced lazily, one per Next call, so only a single encoded
// chunk is resident at a time. A Chunker is a pure function of its inputs:
// Reset replays the identical sequence.
type Chunker struct {
	meta      TransferMeta
	payload   []byte
	chunkSize int
	total     int
	next      int
}

// NewChunker prepares chunking of payload with the caller-supplied base meta.
// A non-positive chunkSize falls back to DefaultChunkSize. An empty payload
// still produces one (empty) chunk so the transfer is observable.
func NewChunker(meta TransferMeta, payload []byte, chunkSize int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	total := (len(payload) + chunkSize - 1) / chunkSize
	if total < 1 {
		total = 1
	}

	return &Chunker{
		meta:      meta,
		payload:   payload,
		chunkSize: chunkSize,
		total:     total,
	}
}

// TotalChunks returns the number of frames the sequence will produce.
func (c *Chunker) TotalChunks() int {
	return c.total
}

// Next encodes and returns the next chunk frame, or io.EOF when the
// sequence is exhausted.
func (c *Chunker) Next() ([]byte, error) {
	if c.next >= c.total {
		return nil, io.EOF
	}

	start := c.next * c.chunkSize
	end := start + c.chunkSize
	if start > len(c.payload) {
		start = len(c.payload)
	}
	if end > len(c.payload) {
		end = len(c.payload)
	}
	slice := c.payload[start:end]

	meta := c.meta
	meta.ChunkIndex = c.next
	meta.TotalChunks = c.total
	meta.ChunkSize = len(slice)

	frame, err := EncodeBinaryFrame(meta, slice)
	if err != nil {
		return nil, err
	}

	c.next++
	return frame, nil
}

// Reset rewinds the sequence to the first chunk.
func (c *Chunker) Reset() {
	c.next = 0
}
