// Package serial keeps a registry of line-oriented serial connections to
// paired Bluetooth Classic devices over the Serial Port Profile.
//
// A Registry maps a device address to at most one open Connection. Opening an
// address that is already open returns the existing connection without
// touching the radio; closing is centralized and best-effort.
package serial

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/btserial/internal/device"
	"github.com/srg/btserial/internal/groutine"
	"github.com/srg/btserial/internal/linecodec"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/encoding"
)

// closeConcurrency bounds the number of channels CloseAll releases at once
const closeConcurrency = 8

// OpenOptions configures a new connection.
type OpenOptions struct {
	// Encoding is a WHATWG encoding label, e.g. "utf-8", "iso-8859-1", "windows-1251".
	Encoding string `default:"utf-8"`
}

// Registry owns the open connections of a single Bluetooth adapter.
type Registry struct {
	adapter device.Adapter
	logger  *logrus.Logger

	conns *hashmap.Map[string, *Connection]
	// mu serializes inserts and removals; lookups read the map lock-free
	mu       sync.Mutex
	inflight singleflight.Group
}

// NewRegistry creates an empty registry bound to adapter.
func NewRegistry(adapter device.Adapter, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		adapter: adapter,
		logger:  logger,
		conns:   hashmap.New[string, *Connection](),
	}
}

// PairedDevices returns the devices currently bonded with the adapter. The
// result is empty, not nil, when nothing is paired.
func (r *Registry) PairedDevices(ctx context.Context) ([]device.DeviceInfo, error) {
	devices, err := r.adapter.BondedDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list paired devices: %w", err)
	}
	if devices == nil {
		devices = []device.DeviceInfo{}
	}
	return devices, nil
}

// Open returns the connection for address, establishing it if needed. It
// blocks until the connection is ready, fails, or ctx is done. Every failure
// is a *ConnectFailure.
func (r *Registry) Open(ctx context.Context, address string, opts *OpenOptions) (*Connection, error) {
	return r.OpenAsync(ctx, address, opts).Wait(context.Background())
}

// OpenAsync is the non-blocking form of Open.
//
// Concurrent opens of the same address share a single connect attempt and
// resolve to the same *Connection. Cancelling ctx ends the caller's wait with
// a ConnectFailure; the attempt itself runs to completion and its connection
// is registered if it succeeds.
func (r *Registry) OpenAsync(ctx context.Context, address string, opts *OpenOptions) *groutine.Future[*Connection] {
	key, err := device.NormalizeAddress(address)
	if err != nil {
		return groutine.Resolved[*Connection](nil, &ConnectFailure{Address: address, Err: err})
	}

	if conn, ok := r.conns.Get(key); ok && !conn.IsClosed() {
		return groutine.Resolved(conn, nil)
	}

	o := OpenOptions{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	enc, encName, err := linecodec.Lookup(o.Encoding)
	if err != nil {
		return groutine.Resolved[*Connection](nil, &ConnectFailure{Address: key, Err: err})
	}

	return groutine.Async(ctx, "serial-open-"+key, func(ctx context.Context) (*Connection, error) {
		results := r.inflight.DoChan(key, func() (interface{}, error) {
			return r.connect(context.WithoutCancel(ctx), key, enc, encName)
		})

		select {
		case res := <-results:
			if res.Err != nil {
				return nil, res.Err
			}
			return res.Val.(*Connection), nil
		case <-ctx.Done():
			return nil, &ConnectFailure{Address: key, Err: ctx.Err()}
		}
	})
}

// connect performs resolve → open channel → cancel discovery → connect and
// registers the result.
func (r *Registry) connect(ctx context.Context, key string, enc encoding.Encoding, encName string) (*Connection, error) {
	// A previous flight may have finished between the caller's lookup and ours
	if conn, ok := r.conns.Get(key); ok && !conn.IsClosed() {
		return conn, nil
	}

	logger := r.logger.WithField("address", key)
	logger.Info("Connecting to device...")

	remote, err := r.adapter.RemoteDevice(ctx, key)
	if err != nil {
		return nil, &ConnectFailure{Address: key, Err: fmt.Errorf("failed to resolve device: %w", err)}
	}

	ch, err := remote.OpenChannel(ctx, device.SerialPortProfileUUID)
	if err != nil {
		return nil, &ConnectFailure{Address: key, Err: fmt.Errorf("failed to open RFCOMM channel: %w", err)}
	}

	if err := r.adapter.CancelDiscovery(ctx); err != nil {
		logger.WithError(err).Debug("Failed to cancel discovery")
	}

	if err := ch.Connect(ctx); err != nil {
		if cerr := ch.Close(); cerr != nil {
			logger.WithError(cerr).Debug("Failed to release channel after connect failure")
		}
		return nil, &ConnectFailure{Address: key, Err: err}
	}

	conn := newConnection(key, ch, enc, encName, r.logger)
	conn.onClose = r.forget

	r.mu.Lock()
	existing, loaded := r.conns.GetOrInsert(key, conn)
	r.mu.Unlock()

	if loaded {
		logger.Warn("Connection registered concurrently, dropping duplicate")
		if err := conn.Close(); err != nil {
			logger.WithError(err).Debug("Failed to close duplicate connection")
		}
		return existing, nil
	}

	logger.WithField("encoding", encName).Info("Connected")
	return conn, nil
}

// forget removes conn from the registry if it is still the entry for its address.
func (r *Registry) forget(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.conns.Get(conn.Address()); ok && current == conn {
		r.conns.Del(conn.Address())
	}
}

// Get returns the open connection for address, if any.
func (r *Registry) Get(address string) (*Connection, bool) {
	key, err := device.NormalizeAddress(address)
	if err != nil {
		return nil, false
	}
	return r.conns.Get(key)
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	return r.conns.Len()
}

// Addresses returns the addresses of open connections in sorted order.
func (r *Registry) Addresses() []string {
	out := make([]string, 0, r.conns.Len())
	r.conns.Range(func(key string, _ *Connection) bool {
		out = append(out, key)
		return true
	})
	sort.Strings(out)
	return out
}

// Close removes and releases the connection for address. An unknown or
// malformed address is a no-op. Release failures are logged, never returned.
func (r *Registry) Close(address string) {
	key, err := device.NormalizeAddress(address)
	if err != nil {
		r.logger.WithField("address", address).Debug("Ignoring close of invalid address")
		return
	}

	r.mu.Lock()
	conn, ok := r.conns.Get(key)
	if ok {
		r.conns.Del(key)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.release(conn)
}

// CloseConnection closes conn by its address. A nil conn is a no-op.
func (r *Registry) CloseConnection(conn *Connection) {
	if conn == nil {
		return
	}
	r.Close(conn.Address())
}

// CloseInterface closes the connection behind si. A nil si is a no-op.
func (r *Registry) CloseInterface(si *SimpleInterface) {
	if si == nil {
		return
	}
	r.CloseConnection(si.Connection())
}

// CloseAll releases every connection and leaves the registry empty. Every
// entry is visited even when some fail to close.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, r.conns.Len())
	r.conns.Range(func(_ string, conn *Connection) bool {
		conns = append(conns, conn)
		return true
	})
	for _, conn := range conns {
		r.conns.Del(conn.Address())
	}
	r.mu.Unlock()

	if len(conns) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(closeConcurrency)
	for _, conn := range conns {
		g.Go(func() error {
			r.release(conn)
			return nil
		})
	}
	_ = g.Wait()

	r.logger.WithField("count", len(conns)).Info("Closed all connections")
}

func (r *Registry) release(conn *Connection) {
	if err := conn.Close(); err != nil {
		r.logger.WithError(err).WithField("address", conn.Address()).Warn("Failed to close connection")
		return
	}
	r.logger.WithField("address", conn.Address()).Info("Disconnected")
}
