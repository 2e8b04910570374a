package serial

import (
	"context"
	"sync"

	"github.com/srg/btserial/internal/groutine"
)

// SimpleInterface is a listener-based view of a Connection. Installing a
// received-message listener starts a receive loop on a background goroutine
// that runs until the connection ends; Done is closed when it stops.
type SimpleInterface struct {
	conn *Connection
	done chan struct{}

	mu         sync.RWMutex
	onReceived func(string)
	onSent     func(string)
	onError    func(error)

	startOnce sync.Once
}

// SetListeners installs all three listeners at once and starts receiving.
// Any listener may be nil.
func (s *SimpleInterface) SetListeners(onReceived func(string), onSent func(string), onError func(error)) {
	s.mu.Lock()
	s.onReceived = onReceived
	s.onSent = onSent
	s.onError = onError
	s.mu.Unlock()

	s.start()
}

// SetMessageReceivedListener installs the listener for received lines and starts receiving.
func (s *SimpleInterface) SetMessageReceivedListener(fn func(string)) {
	s.mu.Lock()
	s.onReceived = fn
	s.mu.Unlock()

	s.start()
}

// SetMessageSentListener installs the listener called after each successful SendMessage.
func (s *SimpleInterface) SetMessageSentListener(fn func(string)) {
	s.mu.Lock()
	s.onSent = fn
	s.mu.Unlock()
}

// SetErrorListener installs the listener for send failures and the terminal read error.
func (s *SimpleInterface) SetErrorListener(fn func(error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// SendMessage sends msg and reports the outcome to the sent or error listener.
func (s *SimpleInterface) SendMessage(msg string) {
	if err := s.conn.Send(msg); err != nil {
		s.reportError(err)
		return
	}

	s.mu.RLock()
	fn := s.onSent
	s.mu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

// Connection returns the underlying connection.
func (s *SimpleInterface) Connection() *Connection {
	return s.conn
}

// Done is closed once the receive loop has stopped: the device ended the
// stream, the connection was closed, or a read failed (reported to the error
// listener first). It never closes if receiving was not started.
func (s *SimpleInterface) Done() <-chan struct{} {
	return s.done
}

func (s *SimpleInterface) start() {
	s.startOnce.Do(func() {
		groutine.Go(context.Background(), "serial-receive-"+s.conn.Address(), func(ctx context.Context) {
			defer close(s.done)
			for line, err := range s.conn.Lines() {
				if err != nil {
					s.reportError(err)
					return
				}

				s.mu.RLock()
				fn := s.onReceived
				s.mu.RUnlock()
				if fn != nil {
					fn(line)
				}
			}
		})
	})
}

func (s *SimpleInterface) reportError(err error) {
	s.mu.RLock()
	fn := s.onError
	s.mu.RUnlock()

	if fn != nil {
		fn(err)
		return
	}
	s.conn.logger.WithError(err).WithField("address", s.conn.Address()).Warn("Unhandled serial error")
}
