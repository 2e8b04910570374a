package serial_test

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/srg/btserial/internal/testutils"
	"github.com/srg/btserial/serial"
	"github.com/stretchr/testify/suite"
)

type ConnectionTestSuite struct {
	testutils.RegistrySuite
}

func (suite *ConnectionTestSuite) open(address string, opts *serial.OpenOptions) *serial.Connection {
	conn, err := suite.Registry.Open(suite.Helper.Context(suite.TestTimeout), address, opts)
	suite.Require().NoError(err)
	return conn
}

func (suite *ConnectionTestSuite) TestSendRoundTrip() {
	// GOAL: Verify a sent line arrives at the device terminated by "\n"
	//
	// TEST SCENARIO: Send "hello" → device reads "hello"; device writes "hello\n" → ReadLine "hello"

	conn := suite.open(testutils.FirstDeviceAddress, nil)
	peer := suite.Adapter.Device(testutils.FirstDeviceAddress).Peer()
	suite.Require().NotNil(peer)

	sent := make(chan error, 1)
	go func() { sent <- conn.Send("hello") }()
	suite.Equal("hello", suite.Helper.ReadPeerLine(peer, time.Second))
	suite.NoError(<-sent)

	written := suite.Helper.WritePeer(peer, "hello\n")
	line, err := conn.ReadLine()
	suite.Require().NoError(err)
	suite.Equal("hello", line)
	suite.NoError(<-written)

	suite.Equal(serial.Stats{LinesSent: 1, LinesReceived: 1}, conn.Stats())
}

func (suite *ConnectionTestSuite) TestPartialLineDeliveredOnTerminator() {
	// GOAL: Verify a partial write is buffered until its terminator arrives
	//
	// TEST SCENARIO: device writes "tem" → nothing delivered → writes "p=21\r\n" → exactly "temp=21"

	conn := suite.open(testutils.FirstDeviceAddress, nil)
	peer := suite.Adapter.Device(testutils.FirstDeviceAddress).Peer()

	lines := make(chan string, 4)
	go func() {
		for line, err := range conn.Lines() {
			if err != nil {
				return
			}
			lines <- line
		}
		close(lines)
	}()

	suite.NoError(<-suite.Helper.WritePeer(peer, "tem"))
	select {
	case line := <-lines:
		suite.Failf("premature line", "partial line MUST NOT be delivered, got %q", line)
	case <-time.After(50 * time.Millisecond):
	}

	suite.NoError(<-suite.Helper.WritePeer(peer, "p=21\r\n"))
	select {
	case line := <-lines:
		suite.Equal("temp=21", line)
	case <-time.After(time.Second):
		suite.Fail("line MUST be delivered once terminated")
	}

	// Device hangs up: the sequence ends without an error
	suite.NoError(peer.Close())
	select {
	case _, ok := <-lines:
		suite.False(ok, "no further lines expected")
	case <-time.After(time.Second):
		suite.Fail("sequence MUST end when the device hangs up")
	}
}

func (suite *ConnectionTestSuite) TestTrailingPartialLineAtEOF() {
	conn := suite.open(testutils.FirstDeviceAddress, nil)
	peer := suite.Adapter.Device(testutils.FirstDeviceAddress).Peer()

	go func() {
		_, _ = peer.Write([]byte("last words"))
		_ = peer.Close()
	}()

	line, err := conn.ReadLine()
	suite.Require().NoError(err)
	suite.Equal("last words", line)

	_, err = conn.ReadLine()
	suite.ErrorIs(err, io.EOF)
}

func (suite *ConnectionTestSuite) TestEncoding() {
	// GOAL: Verify lines are encoded in the connection's encoding

	conn := suite.open(testutils.FirstDeviceAddress, &serial.OpenOptions{Encoding: "windows-1251"})
	suite.Equal("windows-1251", conn.Encoding())
	peer := suite.Adapter.Device(testutils.FirstDeviceAddress).Peer()

	go func() { _ = conn.Send("да") }()
	buf := make([]byte, 8)
	suite.Require().NoError(peer.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := peer.Read(buf)
	suite.Require().NoError(err)
	suite.Equal([]byte{0xE4, 0xE0, '\n'}, buf[:n])

	written := suite.Helper.WritePeer(peer, "\xEF\xF0\xE8\xE2\xE5\xF2\n")
	line, err := conn.ReadLine()
	suite.Require().NoError(err)
	suite.Equal("привет", line)
	suite.NoError(<-written)
}

func (suite *ConnectionTestSuite) TestClose() {
	conn := suite.open(testutils.FirstDeviceAddress, nil)

	readErr := make(chan error, 1)
	go func() {
		_, err := conn.ReadLine()
		readErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	suite.NoError(conn.Close())
	suite.NoError(conn.Close(), "Close MUST be idempotent")
	suite.True(conn.IsClosed())

	select {
	case err := <-readErr:
		suite.ErrorIs(err, serial.ErrConnectionClosed, "pending read MUST be released by Close")
	case <-time.After(time.Second):
		suite.Fail("pending read MUST return after Close")
	}

	suite.ErrorIs(conn.Send("late"), serial.ErrConnectionClosed)
	_, err := conn.ReadLine()
	suite.ErrorIs(err, serial.ErrConnectionClosed)

	count := 0
	for range conn.Lines() {
		count++
	}
	suite.Zero(count, "Lines MUST be empty after Close")
}

func (suite *ConnectionTestSuite) TestCloseReturnsFirstResult() {
	closeErr := errors.New("close failed")
	suite.Adapter.Device(testutils.SecondDeviceAddress).FailClose(closeErr)
	conn := suite.open(testutils.SecondDeviceAddress, nil)

	suite.ErrorIs(conn.Close(), closeErr)
	suite.ErrorIs(conn.Close(), closeErr)
	suite.Equal(1, suite.Adapter.Device(testutils.SecondDeviceAddress).CloseCalls())
}

func (suite *ConnectionTestSuite) TestSimpleInterface() {
	// GOAL: Verify the listener view delivers received lines and reports sends
	//
	// TEST SCENARIO: listeners installed → device sends two lines → both received;
	//                SendMessage → sent listener; device hangs up → no error reported

	conn := suite.open(testutils.FirstDeviceAddress, nil)
	peer := suite.Adapter.Device(testutils.FirstDeviceAddress).Peer()

	si := conn.SimpleInterface()
	suite.Same(si, conn.SimpleInterface(), "SimpleInterface MUST be a single instance")
	suite.Same(conn, si.Connection())

	var mu sync.Mutex
	var received, sent []string
	var errs []error
	si.SetListeners(
		func(msg string) { mu.Lock(); received = append(received, msg); mu.Unlock() },
		func(msg string) { mu.Lock(); sent = append(sent, msg); mu.Unlock() },
		func(err error) { mu.Lock(); errs = append(errs, err); mu.Unlock() },
	)

	suite.NoError(<-suite.Helper.WritePeer(peer, "one\ntwo\n"))
	suite.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, 10*time.Millisecond)

	go si.SendMessage("ping")
	suite.Equal("ping", suite.Helper.ReadPeerLine(peer, time.Second))
	suite.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 1
	}, time.Second, 10*time.Millisecond)

	suite.NoError(peer.Close())
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	suite.Equal([]string{"one", "two"}, received)
	suite.Equal([]string{"ping"}, sent)
	suite.Empty(errs, "end of stream MUST NOT be reported as an error")
}

func (suite *ConnectionTestSuite) TestLinesYieldsReadFailureOnce() {
	// GOAL: Verify a read failure other than end of stream is the last element of Lines

	readErr := errors.New("link supervision timeout")
	conn := suite.open(testutils.FirstDeviceAddress, nil)
	suite.Adapter.Device(testutils.FirstDeviceAddress).FailRead(readErr)

	var errs []error
	for line, err := range conn.Lines() {
		suite.Empty(line)
		errs = append(errs, err)
	}

	suite.Require().Len(errs, 1, "the failure MUST be yielded exactly once")
	suite.ErrorIs(errs[0], readErr)
}

func (suite *ConnectionTestSuite) TestSimpleInterfaceDoneOnHangUp() {
	// GOAL: Verify Done closes when the device ends the stream, after the last line is delivered

	conn := suite.open(testutils.FirstDeviceAddress, nil)
	peer := suite.Adapter.Device(testutils.FirstDeviceAddress).Peer()

	received := make(chan string, 1)
	si := conn.SimpleInterface()
	si.SetMessageReceivedListener(func(msg string) { received <- msg })

	select {
	case <-si.Done():
		suite.FailNow("Done MUST stay open while the connection is alive")
	default:
	}

	suite.NoError(<-suite.Helper.WritePeer(peer, "bye\n"))
	suite.NoError(peer.Close())

	select {
	case <-si.Done():
	case <-time.After(time.Second):
		suite.FailNow("Done MUST close when the device hangs up")
	}
	suite.Equal("bye", <-received)
}

func (suite *ConnectionTestSuite) TestSimpleInterfaceSendError() {
	conn := suite.open(testutils.FirstDeviceAddress, nil)
	si := conn.SimpleInterface()

	errs := make(chan error, 1)
	si.SetErrorListener(func(err error) { errs <- err })
	suite.Require().NoError(conn.Close())

	si.SendMessage("too late")
	select {
	case err := <-errs:
		suite.ErrorIs(err, serial.ErrConnectionClosed)
	case <-time.After(time.Second):
		suite.Fail("send failure MUST reach the error listener")
	}
}

func TestConnectionTestSuite(t *testing.T) {
	suite.Run(t, new(ConnectionTestSuite))
}
