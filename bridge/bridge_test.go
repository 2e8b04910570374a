package bridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/srg/btserial/internal/testutils"
	"github.com/srg/btserial/serial"
	"github.com/stretchr/testify/suite"
)

// BridgeTestSuite runs the bridge against the fake adapter and a real PTY pair.
type BridgeTestSuite struct {
	testutils.RegistrySuite
}

// openTTY opens the slave side the way a terminal program would.
func (suite *BridgeTestSuite) openTTY(b Bridge) *os.File {
	tty, err := os.OpenFile(b.TTYName(), os.O_RDWR, 0)
	suite.Require().NoError(err, "PTY slave MUST be openable")
	suite.T().Cleanup(func() { _ = tty.Close() })
	return tty
}

// readTTY reads from the slave until a "\n" arrives or the timeout expires.
func (suite *BridgeTestSuite) readTTY(tty *os.File, timeout time.Duration) string {
	read := make(chan string, 1)
	go func() {
		var sb strings.Builder
		buf := make([]byte, 64)
		for !strings.HasSuffix(sb.String(), "\n") {
			n, err := tty.Read(buf)
			if err != nil {
				break
			}
			sb.Write(buf[:n])
		}
		read <- sb.String()
	}()

	select {
	case s := <-read:
		return s
	case <-time.After(timeout):
		suite.Fail("timed out reading from PTY slave")
		return ""
	}
}

// run starts the bridge, skipping the test where PTYs are unavailable.
func (suite *BridgeTestSuite) run(ctx context.Context, opts *Options, phases *[]string, cb Callback[struct{}]) error {
	if opts.Logger == nil {
		opts.Logger = suite.Logger
	}
	progress := func(phase string) {
		if phases != nil {
			*phases = append(*phases, phase)
		}
	}

	_, err := Run(ctx, suite.Registry, opts, progress, cb)
	if err != nil && strings.Contains(err.Error(), "failed to create PTY") {
		suite.T().Skipf("PTY not available: %v", err)
	}
	return err
}

func (suite *BridgeTestSuite) TestForwardsLinesBothWays() {
	// GOAL: Verify lines flow device → PTY and PTY → device
	//
	// TEST SCENARIO: Device writes CRLF line → slave reads it with "\n" → slave types CR line → device reads it

	ctx := suite.Helper.Context(suite.TestTimeout)
	peer := suite.Adapter.Device(testutils.FirstDeviceAddress).Peer

	var phases []string
	err := suite.run(ctx, &Options{Address: testutils.FirstDeviceAddress}, &phases, func(ctx context.Context, b Bridge) (struct{}, error) {
		tty := suite.openTTY(b)

		conn, ok := suite.Registry.Get(testutils.FirstDeviceAddress)
		suite.Require().True(ok, "bridge connection MUST be registered")
		suite.Same(conn, b.Connection())

		p := peer()
		suite.NoError(<-suite.Helper.WritePeer(p, "temp=21\r\n"))
		suite.Equal("temp=21\n", suite.readTTY(tty, time.Second))

		_, err := tty.Write([]byte("ping\r"))
		suite.Require().NoError(err)
		suite.Equal("ping", suite.Helper.ReadPeerLine(p, time.Second))

		suite.Equal(uint64(1), b.Stats().Connection.LinesReceived)
		suite.Eventually(func() bool {
			return b.Stats().Connection.LinesSent == 1
		}, time.Second, 10*time.Millisecond)
		return struct{}{}, nil
	})

	suite.Require().NoError(err)
	suite.Equal([]string{"Connecting", "Connected", "Setting up PTY", "Running"}, phases)
	suite.Equal(0, suite.Registry.Len(), "bridge MUST close its connection through the registry")
	suite.Equal(1, suite.Adapter.Device(testutils.FirstDeviceAddress).CloseCalls())
}

func (suite *BridgeTestSuite) TestSymlink() {
	// GOAL: Verify the optional symlink points at the slave while running and is removed afterwards

	link := filepath.Join(suite.T().TempDir(), "rfcomm-sensor")
	ctx := suite.Helper.Context(suite.TestTimeout)

	err := suite.run(ctx, &Options{Address: testutils.FirstDeviceAddress, TTYSymlinkPath: link}, nil, func(ctx context.Context, b Bridge) (struct{}, error) {
		suite.Equal(link, b.TTYSymlink())
		target, err := os.Readlink(link)
		suite.Require().NoError(err)
		suite.Equal(b.TTYName(), target)
		return struct{}{}, nil
	})

	suite.Require().NoError(err)
	_, err = os.Lstat(link)
	suite.True(os.IsNotExist(err), "symlink MUST be removed on exit")
}

func (suite *BridgeTestSuite) TestSymlinkFailureClosesConnection() {
	// A regular file in the way makes the symlink fail
	link := filepath.Join(suite.T().TempDir(), "occupied")
	suite.Require().NoError(os.WriteFile(link, nil, 0o600))

	var phases []string
	err := suite.run(suite.Helper.Context(suite.TestTimeout), &Options{Address: testutils.FirstDeviceAddress, TTYSymlinkPath: link}, &phases, func(ctx context.Context, b Bridge) (struct{}, error) {
		suite.Fail("callback MUST NOT run when setup fails")
		return struct{}{}, nil
	})

	suite.Require().Error(err)
	suite.Contains(err.Error(), "failed to create tty symlink")
	suite.Equal("Failed", phases[len(phases)-1])
	suite.Equal(0, suite.Registry.Len())
}

func (suite *BridgeTestSuite) TestContextCancelEndsBridge() {
	// GOAL: Verify cancelling the caller's context stops a callback that waits on ctx

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := suite.run(ctx, &Options{Address: testutils.FirstDeviceAddress}, nil, func(ctx context.Context, b Bridge) (struct{}, error) {
		cancel()
		<-ctx.Done()
		return struct{}{}, nil
	})

	suite.NoError(err, "cancellation MUST be a clean exit")
	suite.Equal(0, suite.Registry.Len())
}

func (suite *BridgeTestSuite) TestDeviceDisconnect() {
	// GOAL: Verify a device hang-up ends the bridge with ErrDisconnected
	//
	// TEST SCENARIO: Peer closes → bridge ctx cancelled → callback returns → Run reports disconnect

	ctx := suite.Helper.Context(suite.TestTimeout)

	err := suite.run(ctx, &Options{Address: testutils.FirstDeviceAddress}, nil, func(ctx context.Context, b Bridge) (struct{}, error) {
		suite.NoError(suite.Adapter.Device(testutils.FirstDeviceAddress).Peer().Close())
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			suite.Fail("bridge context MUST end when the device disconnects")
		}
		return struct{}{}, nil
	})

	suite.ErrorIs(err, ErrDisconnected)
	suite.Contains(err.Error(), testutils.FirstDeviceAddress)
}

func (suite *BridgeTestSuite) TestSlowTerminalDoesNotEndBridge() {
	// GOAL: Verify a PTY queue overflow drops output but keeps the bridge running
	//
	// TEST SCENARIO: Nobody reads the slave → device floods 1 MiB of lines → drops counted → PTY input still reaches device

	const lines = 16 * 1024
	ctx := suite.Helper.Context(suite.TestTimeout)
	peer := suite.Adapter.Device(testutils.FirstDeviceAddress).Peer

	err := suite.run(ctx, &Options{Address: testutils.FirstDeviceAddress, PtyWriteCap: 64}, nil, func(ctx context.Context, b Bridge) (struct{}, error) {
		tty := suite.openTTY(b)
		p := peer()

		flood := strings.Repeat(strings.Repeat("x", 63)+"\n", lines)
		suite.Require().NoError(<-suite.Helper.WritePeer(p, flood))

		suite.Eventually(func() bool {
			return b.Stats().Connection.LinesReceived == lines
		}, 5*time.Second, 10*time.Millisecond, "every received line MUST be consumed")
		suite.Positive(b.Stats().PTY.DroppedWriteCount, "overflow MUST be dropped and counted")
		suite.NoError(ctx.Err(), "overflow MUST NOT end the bridge")

		_, err := tty.Write([]byte("still-here\r"))
		suite.Require().NoError(err)
		suite.Equal("still-here", suite.Helper.ReadPeerLine(p, time.Second))
		return struct{}{}, nil
	})

	suite.NoError(err)
}

func (suite *BridgeTestSuite) TestConnectFailure() {
	var phases []string
	err := suite.run(suite.Helper.Context(suite.TestTimeout), &Options{Address: "11:22:33:44:55:66"}, &phases, func(ctx context.Context, b Bridge) (struct{}, error) {
		suite.Fail("callback MUST NOT run without a connection")
		return struct{}{}, nil
	})

	var failure *serial.ConnectFailure
	suite.True(errors.As(err, &failure), "connect errors MUST surface as ConnectFailure")
	suite.Equal([]string{"Connecting", "Failed"}, phases)
}

func (suite *BridgeTestSuite) TestInvalidOptions() {
	_, err := Run[struct{}](context.Background(), suite.Registry, nil, nil, nil)
	suite.ErrorContains(err, "device address is required")

	_, err = Run[struct{}](context.Background(), nil, &Options{Address: testutils.FirstDeviceAddress}, nil, nil)
	suite.ErrorContains(err, "registry is required")
}

func TestBridgeTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}
