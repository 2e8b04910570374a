package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/btserial/internal/device"
	"github.com/srg/btserial/internal/device/bluez"
	"github.com/srg/btserial/internal/devicefactory"
	"github.com/srg/btserial/serial"
	"github.com/stretchr/testify/suite"
)

const (
	// FirstDeviceAddress and SecondDeviceAddress are bonded in the default fake adapter
	FirstDeviceAddress  = "AA:BB:CC:DD:EE:01"
	SecondDeviceAddress = "AA:BB:CC:DD:EE:02"
)

// RegistrySuite provides a reusable test suite backed by a FakeAdapter.
//
// The suite installs the fake adapter as devicefactory.AdapterFactory so code
// that builds its own adapter (CLI commands, bridge) talks to the fake too.
//
// Custom adapter usage:
//
//	type MySuite struct {
//	    testutils.RegistrySuite
//	}
//
//	func (s *MySuite) SetupTest() {
//	    s.WithAdapter().WithBondedDevice("11:22:33:44:55:66", "Printer")
//	    s.RegistrySuite.SetupTest() // Call parent last to apply configuration
//	}
type RegistrySuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	Adapter  *FakeAdapter
	Registry *serial.Registry

	TestTimeout time.Duration

	originalFactory func(*bluez.Options, *logrus.Logger) (device.Adapter, error)
}

// SetupSuite initializes the helper and remembers the real adapter factory.
func (s *RegistrySuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 5 * time.Second

	s.originalFactory = devicefactory.AdapterFactory
	s.T().Cleanup(func() {
		devicefactory.AdapterFactory = s.originalFactory
	})
}

// SetupTest installs the fake adapter and a fresh registry.
func (s *RegistrySuite) SetupTest() {
	s.Helper = &TestHelper{T: s.T(), Logger: s.Logger}

	if s.Adapter == nil {
		s.Adapter = DefaultFakeAdapter()
	}

	adapter := s.Adapter
	devicefactory.AdapterFactory = func(*bluez.Options, *logrus.Logger) (device.Adapter, error) {
		return adapter, nil
	}

	s.Registry = serial.NewRegistry(s.Adapter, s.Logger)
}

// TearDownTest drains the registry and resets the adapter for the next test.
func (s *RegistrySuite) TearDownTest() {
	if s.Registry != nil {
		s.Registry.CloseAll()
	}
	devicefactory.AdapterFactory = s.originalFactory

	s.Registry = nil
	s.Adapter = nil
}

// WithAdapter returns the fake adapter for configuration before SetupTest.
func (s *RegistrySuite) WithAdapter() *FakeAdapter {
	if s.Adapter == nil {
		s.Adapter = NewFakeAdapter()
	}
	return s.Adapter
}

// DefaultFakeAdapter returns an adapter with two bonded SPP devices.
func DefaultFakeAdapter() *FakeAdapter {
	return NewFakeAdapter().
		WithBondedDevice(FirstDeviceAddress, "Sensor 1").
		WithBondedDevice(SecondDeviceAddress, "Sensor 2")
}
