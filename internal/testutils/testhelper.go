package testutils

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Context returns a context bounded by timeout and cancelled on test cleanup.
func (h *TestHelper) Context(timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	h.T.Cleanup(cancel)
	return ctx
}

// ReadPeerLine reads one "\n"-terminated line written to the device side of a
// fake connection, without the terminator.
func (h *TestHelper) ReadPeerLine(peer net.Conn, timeout time.Duration) string {
	h.T.Helper()

	if err := peer.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		h.T.Fatalf("failed to set peer deadline: %v", err)
	}
	defer func() { _ = peer.SetReadDeadline(time.Time{}) }()

	line, err := bufio.NewReader(peer).ReadString('\n')
	if err != nil {
		h.T.Fatalf("failed to read line from peer: %v", err)
	}
	return strings.TrimSuffix(line, "\n")
}

// WritePeer writes raw bytes from the device side of a fake connection on a
// background goroutine; net.Pipe writes block until the other end reads.
func (h *TestHelper) WritePeer(peer net.Conn, data string) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := peer.Write([]byte(data))
		done <- err
	}()
	return done
}
