package network

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds each WebSocket write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead. Must exceed the ping interval.
	pongWait = 75 * time.Second
	// outboundQueueSize is the per-connection outbound frame queue depth.
	// The backpressure gate throttles on bytes, not entries; this only
	// bounds bursts of tiny control frames.
	outboundQueueSize = 256
)

type outboundFrame struct {
	messageType int
	data        []byte
}

// wsConn manages one WebSocket connection's outbound path. All writes funnel
// through a single writer goroutine; bufferedBytes counts enqueued-but-unsent
// bytes, mirroring the browser-side bufferedAmount the protocol's flow
// control is built around. Waiters subscribe to a drain event instead of
// sleep-polling the counter.
type wsConn struct {
	ws     *websocket.Conn
	logger *log.Logger

	sendMu   sync.Mutex
	outbound chan outboundFrame
	buffered atomic.Int64

	drainMu sync.Mutex
	drained chan struct{}

	pingInterval time.Duration

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newWSConn(ws *websocket.Conn, pingInterval time.Duration, logger *log.Logger) *wsConn {
	if logger == nil {
		logger = log.Default()
	}
	c := &wsConn{
		ws:           ws,
		logger:       logger,
		outbound:     make(chan outboundFrame, outboundQueueSize),
		drained:      make(chan struct{}),
		pingInterval: pingInterval,
		closed:       make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Done is closed once the connection is fully torn down.
func (c *wsConn) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal connection error, if any.
func (c *wsConn) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// BufferedBytes reports the outbound bytes enqueued but not yet written.
func (c *wsConn) BufferedBytes() int64 {
	return c.buffered.Load()
}

func (c *wsConn) writeLoop() {
	var ticker *time.Ticker
	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker = time.NewTicker(c.pingInterval)
		ping = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case frame := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(frame.messageType, frame.data)
			c.buffered.Add(-int64(len(frame.data)))
			c.notifyDrain()
			if err != nil {
				c.closeWithError(err)
				return
			}
		case <-ping:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeWithError(err)
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *wsConn) drainSignal() <-chan struct{} {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	return c.drained
}

func (c *wsConn) notifyDrain() {
	c.drainMu.Lock()
	ch := c.drained
	c.drained = make(chan struct{})
	c.drainMu.Unlock()
	close(ch)
}

// sendWithBackpressure waits for the outbound buffer to drain below
// threshold, then enqueues the frame. It returns ErrPeerTimeout if the buffer
// never drains within timeout (the frame is not sent) and ErrPeerClosed if
// the connection goes away while waiting. Waiting plus enqueueing happens
// under the send mutex so concurrent logical flows toward one connection
// cannot interleave their gate checks.
func (c *wsConn) sendWithBackpressure(messageType int, data []byte, threshold int64, timeout time.Duration) error {
	select {
	case <-c.closed:
		return ErrPeerClosed
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		// Subscribe before re-checking the counter: a drain landing between
		// the check and the wait still closes the channel we hold.
		drained := c.drainSignal()
		if c.buffered.Load() <= threshold {
			break
		}
		select {
		case <-c.closed:
			return ErrPeerClosed
		case <-timer.C:
			return ErrPeerTimeout
		case <-drained:
		}
	}

	select {
	case c.outbound <- outboundFrame{messageType: messageType, data: data}:
		c.buffered.Add(int64(len(data)))
		return nil
	case <-c.closed:
		return ErrPeerClosed
	case <-timer.C:
		return ErrPeerTimeout
	}
}

func (c *wsConn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		_ = c.ws.Close()
		close(c.closed)
	})
}

// Close terminates the connection.
func (c *wsConn) Close() error {
	c.closeWithError(nil)
	return nil
}
