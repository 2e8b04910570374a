package ptyio

import (
	"bytes"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openOrSkip(t *testing.T, opts *Options) *PTY {
	t.Helper()
	p, err := Open(opts)
	if err != nil {
		t.Skipf("PTY not available: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPTY_WriteReachesSlave(t *testing.T) {
	p := openOrSkip(t, nil)
	require.NotEmpty(t, p.TTYName())

	tty, err := os.OpenFile(p.TTYName(), os.O_RDWR, 0)
	require.NoError(t, err)
	defer tty.Close()

	n, err := p.Write([]byte("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	read := make(chan string, 1)
	go func() {
		buf := make([]byte, 16)
		got, _ := tty.Read(buf)
		read <- string(buf[:got])
	}()

	select {
	case line := <-read:
		assert.Equal(t, "hello\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("queued bytes MUST reach the slave")
	}

	assert.Eventually(t, func() bool { return p.Stats().WriteBytesTotal == 6 }, time.Second, 10*time.Millisecond)
}

func TestPTY_SlaveInputDelivered(t *testing.T) {
	var mu sync.Mutex
	var received bytes.Buffer
	p := openOrSkip(t, &Options{
		OnData: func(data []byte) {
			mu.Lock()
			received.Write(data)
			mu.Unlock()
		},
	})

	tty, err := os.OpenFile(p.TTYName(), os.O_RDWR, 0)
	require.NoError(t, err)
	defer tty.Close()

	_, err = tty.Write([]byte("typed\r"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received.String() == "typed\r"
	}, 2*time.Second, 10*time.Millisecond, "raw mode MUST pass bytes through unchanged")
	assert.Equal(t, uint64(6), p.Stats().ReadBytesTotal)
}

func TestPTY_QueueOverflowDrops(t *testing.T) {
	p := openOrSkip(t, &Options{WriteCap: 16})

	// Nobody reads the slave: once the terminal buffer fills, the queue does too
	payload := bytes.Repeat([]byte("x"), 64*1024)
	for i := 0; i < 16; i++ {
		n, err := p.Write(payload)
		require.NoError(t, err, "overflow MUST NOT fail the write")
		assert.Equal(t, len(payload), n)
	}

	stats := p.Stats()
	assert.Equal(t, 16, stats.WriteQueueCap)
	assert.Positive(t, stats.DroppedWriteCount)
	assert.LessOrEqual(t, stats.DroppedWriteCount, uint64(16*len(payload)))
}

func TestPTY_PartialWriteDropsExcess(t *testing.T) {
	p := openOrSkip(t, &Options{WriteCap: 8})

	// The queue starts empty: the first 8 bytes fit, the rest are dropped
	n, err := p.Write([]byte("0123456789ABCDEF"))
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, uint64(8), p.Stats().DroppedWriteCount)
}

func TestPTY_Close(t *testing.T) {
	p := openOrSkip(t, nil)

	require.NoError(t, p.Close())
	assert.NoError(t, p.Close(), "Close MUST be idempotent")

	_, err := p.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)
}
