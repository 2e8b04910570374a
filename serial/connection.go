package serial

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/btserial/internal/device"
	"github.com/srg/btserial/internal/linecodec"
	"go.uber.org/atomic"
	"golang.org/x/text/encoding"
)

// Stats holds per-connection line counters.
type Stats struct {
	LinesSent     uint64
	LinesReceived uint64
}

// Connection is one open RFCOMM channel wrapped with a line codec.
//
// Send may be called from any goroutine. Received lines have a single
// consumer: use either ReadLine/Lines or the SimpleInterface listener.
type Connection struct {
	address  string
	encoding string
	channel  device.Channel
	reader   *linecodec.Reader
	writer   *linecodec.Writer
	logger   *logrus.Logger

	readMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	onClose   func(*Connection)

	sent     atomic.Uint64
	received atomic.Uint64

	simpleOnce sync.Once
	simple     *SimpleInterface
}

func newConnection(address string, ch device.Channel, enc encoding.Encoding, encName string, logger *logrus.Logger) *Connection {
	if logger == nil {
		logger = logrus.New()
	}
	return &Connection{
		address:  address,
		encoding: encName,
		channel:  ch,
		reader:   linecodec.NewReader(ch, enc),
		writer:   linecodec.NewWriter(ch, enc),
		logger:   logger,
	}
}

// Address returns the canonical address of the remote device.
func (c *Connection) Address() string {
	return c.address
}

// Encoding returns the canonical name of the text encoding.
func (c *Connection) Encoding() string {
	return c.encoding
}

// Send writes line followed by "\n".
func (c *Connection) Send(line string) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	if err := c.writer.WriteLine(line); err != nil {
		if c.closed.Load() {
			return ErrConnectionClosed
		}
		return fmt.Errorf("failed to send line: %w", err)
	}

	c.sent.Inc()
	c.logger.WithFields(logrus.Fields{"address": c.address, "line": line}).Trace("Line sent")
	return nil
}

// ReadLine blocks until the next complete line arrives and returns it without
// its terminator. A trailing partial line is returned at end of stream, after
// which io.EOF is returned.
func (c *Connection) ReadLine() (string, error) {
	if c.closed.Load() {
		return "", ErrConnectionClosed
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	line, err := c.reader.ReadLine()
	if err != nil {
		if c.closed.Load() {
			return "", ErrConnectionClosed
		}
		return "", err
	}

	c.received.Inc()
	return line, nil
}

// Lines returns a sequence over received lines. It ends without an error on
// end of stream or close; any other read failure is yielded once as the last
// element.
func (c *Connection) Lines() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			line, err := c.ReadLine()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, ErrConnectionClosed) {
					return
				}
				yield("", err)
				return
			}
			if !yield(line, nil) {
				return
			}
		}
	}
}

// Close releases the channel. Only the first call has an effect; later calls
// return the same result. The registry entry is removed before the channel is
// released, so a concurrent Open never returns a closing connection.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.onClose != nil {
			c.onClose(c)
		}
		c.closeErr = c.channel.Close()
		c.logger.WithField("address", c.address).Debug("Connection closed")
	})
	return c.closeErr
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Stats returns a snapshot of the line counters.
func (c *Connection) Stats() Stats {
	return Stats{
		LinesSent:     c.sent.Load(),
		LinesReceived: c.received.Load(),
	}
}

// SimpleInterface returns the callback view of this connection. The same
// instance is returned on every call.
func (c *Connection) SimpleInterface() *SimpleInterface {
	c.simpleOnce.Do(func() {
		c.simple = &SimpleInterface{conn: c, done: make(chan struct{})}
	})
	return c.simple
}
