package main

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/srg/btserial/internal/testutils"
)

// syncBuffer is a bytes.Buffer safe for listener goroutines writing while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite extends RegistrySuite with command testing utilities.
// Commands build their adapter through devicefactory, which the parent suite
// points at the fake adapter.
type CommandTestSuite struct {
	testutils.RegistrySuite
}

func (s *CommandTestSuite) SetupSuite() {
	s.RegistrySuite.SetupSuite()
	color.NoColor = true
}

// SetupTest isolates the commands from the user's config file and environment.
func (s *CommandTestSuite) SetupTest() {
	s.T().Setenv("HOME", s.T().TempDir())
	for _, key := range []string{"LOG_LEVEL", "ADAPTER", "CHANNEL", "ENCODING", "CONNECT_TIMEOUT", "OUTPUT_FORMAT"} {
		s.T().Setenv("BTSERIAL_"+key, "")
	}
	s.RegistrySuite.SetupTest()
}

// ExecuteCommand runs the CLI with args and returns its output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	return s.ExecuteCommandWithInput("", args...)
}

// ExecuteCommandWithInput runs the CLI with stdin set to input.
func (s *CommandTestSuite) ExecuteCommandWithInput(input string, args ...string) (string, error) {
	out := &syncBuffer{}
	err := s.executeInto(out, input, args...)
	return out.String(), err
}

func (s *CommandTestSuite) executeInto(out *syncBuffer, input string, args ...string) error {
	return s.executeWithStdin(out, strings.NewReader(input), args...)
}

// executeWithStdin runs the CLI reading stdin from in, which may stay open.
func (s *CommandTestSuite) executeWithStdin(out *syncBuffer, in io.Reader, args ...string) error {
	cmd := newRootCmd()
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetIn(in)
	cmd.SetArgs(args)
	return cmd.Execute()
}
