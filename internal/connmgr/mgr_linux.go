//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/jpillora/backoff"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// New creates a manager. The system bus is connected lazily.
func New(opts Options) (Mgr, error) {
	o, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	return &mgr{opts: o, log: o.Logger.Named("connmgr")}, nil
}

type role int

const (
	roleNone role = iota
	roleServer
	roleClient
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

// BlueZ errors that clear up on their own while a connection is being set up.
var transientErrors = map[string]bool{
	"org.bluez.Error.InProgress": true,
	"org.bluez.Error.NotReady":   true,
	"org.bluez.Error.Busy":       true,
}

var pathCounter uint64

type mgr struct {
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	closed bool
	bus    *dbus.Conn
	role   role

	srvProf    *profile
	acceptUsed bool

	cliProf     *profile
	connectUsed bool

	// cleanup runs once in Close, in reverse order of registration.
	cleanup []func() error
}

func (m *mgr) ensureBusLocked() error {
	if m.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connmgr: connect system bus: %w", err)
	}
	m.bus = c
	m.cleanup = append(m.cleanup, c.Close)
	return nil
}

// exportProfileLocked exports a Profile1 object and registers it with BlueZ
// under the given role options.
func (m *mgr) exportProfileLocked(kind string, opts map[string]dbus.Variant) (*profile, error) {
	p := &profile{ch: make(chan acceptResult, 1), log: m.log.With(zap.String("role", kind))}
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/bluetooth_chat/connmgr/" + kind + "/p" + strconv.FormatUint(id, 10))
	if err := m.bus.Export(p, path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("connmgr: export %s profile: %w", kind, err)
	}
	pm := m.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, m.opts.ServiceUUID, opts); call.Err != nil {
		_ = m.bus.Export(nil, path, profileInterfaceName)
		return nil, fmt.Errorf("connmgr: RegisterProfile(%s): %w", kind, call.Err)
	}
	bus := m.bus
	m.cleanup = append(m.cleanup, func() error {
		err := pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		return multierr.Append(err, bus.Export(nil, path, profileInterfaceName))
	}, func() error {
		p.abandon()
		return nil
	})
	m.log.Debug("profile registered", zap.String("role", kind), zap.String("path", string(path)))
	return p, nil
}

// profile implements org.bluez.Profile1 and forwards the first NewConnection.
type profile struct {
	log *zap.Logger

	mu        sync.Mutex
	ch        chan acceptResult
	accepted  bool
	abandoned bool // nobody will receive from ch any more
}

type acceptResult struct {
	fd  int
	dev Device
}

func (p *profile) Release() *dbus.Error { return nil }

func (p *profile) Cancel() *dbus.Error { return nil }

func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to the waiting caller. Any
// further connection is closed and rejected.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	res := acceptResult{
		fd:  int(fd),
		dev: Device{Path: string(dev), MAC: macFromPath(string(dev))},
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accepted {
		return p.reject(res, "already accepted")
	}
	if p.abandoned {
		return p.reject(res, "caller gone")
	}
	select {
	case p.ch <- res:
		p.accepted = true
		p.log.Info("connection handed over", zap.String("device", res.dev.Path))
		return nil
	default:
		return p.reject(res, "no receiver")
	}
}

// abandon closes a connection that was handed over but never received, and
// makes later ones be rejected.
func (p *profile) abandon() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abandoned = true
	select {
	case res := <-p.ch:
		closeFD(res.fd)
		p.log.Debug("unclaimed connection closed", zap.String("device", res.dev.Path))
	default:
	}
}

func closeFD(fd int) {
	if fd >= 0 {
		_ = os.NewFile(uintptr(fd), "rfcomm").Close()
	}
}

func (p *profile) reject(res acceptResult, reason string) *dbus.Error {
	closeFD(res.fd)
	p.log.Debug("connection rejected", zap.String("device", res.dev.Path), zap.String("reason", reason))
	return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{reason}}
}

func (m *mgr) StartServer(_ context.Context, opts ServerOptions) error {
	if opts.ServiceName == "" {
		return errors.New("connmgr: ServiceName required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.role == roleClient {
		return errors.New("connmgr: already used as client")
	}
	if m.srvProf != nil {
		return errors.New("connmgr: server already started")
	}
	if err := m.ensureBusLocked(); err != nil {
		return err
	}
	p, err := m.exportProfileLocked("server", map[string]dbus.Variant{
		"Name": dbus.MakeVariant(opts.ServiceName),
		"Role": dbus.MakeVariant("server"),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel": dbus.MakeVariant(uint16(DefaultRFCOMMChannel)),
	})
	if err != nil {
		return err
	}
	m.srvProf = p
	m.role = roleServer
	return nil
}

func (m *mgr) Accept(ctx context.Context) (int, Device, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, Device{}, ErrClosed
	}
	if m.srvProf == nil {
		m.mu.Unlock()
		return 0, Device{}, errors.New("connmgr: server not started")
	}
	if m.acceptUsed {
		m.mu.Unlock()
		return 0, Device{}, errors.New("connmgr: Accept already used")
	}
	m.acceptUsed = true
	p := m.srvProf
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		p.abandon()
		return 0, Device{}, fmt.Errorf("connmgr: accept canceled: %w", ctx.Err())
	case res := <-p.ch:
		return res.fd, res.dev, nil
	}
}

func (m *mgr) ScanSPP(ctx context.Context) ([]Device, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if err := m.ensureBusLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	bus := m.bus
	m.mu.Unlock()

	objs, err := managedObjects(bus)
	if err != nil {
		return nil, err
	}
	// Start discovery on all adapters (best-effort); stop when done.
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; !ok {
			continue
		}
		adapter := bus.Object(bluezService, path)
		if err := adapter.Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
			m.log.Debug("StartDiscovery", zap.String("adapter", string(path)), zap.Error(err))
			continue
		}
		defer func() { _ = adapter.Call(adapterIface+".StopDiscovery", 0).Err }()
	}

	found := make(map[string]Device)
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces, m.opts.ServiceUUID); ok {
			found[dev.Path] = dev
		}
	}

	match := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	if err := bus.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("connmgr: AddMatchSignal: %w", err)
	}
	defer func() { _ = bus.RemoveMatchSignal(match...) }()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if dev, ok := deviceFromIfaces(path, ifaces, m.opts.ServiceUUID); ok {
				m.log.Debug("device found", zap.String("path", dev.Path), zap.String("name", dev.DisplayName()))
				found[dev.Path] = dev
			}
		}
	}

	out := make([]Device, 0, len(found))
	for _, d := range found {
		out = append(out, d)
	}
	sortDevices(out)
	return out, nil
}

func (m *mgr) Connect(ctx context.Context, dev Device) (int, error) {
	if dev.Path == "" {
		return 0, errors.New("connmgr: device path required")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	if m.role == roleServer {
		m.mu.Unlock()
		return 0, errors.New("connmgr: already used as server")
	}
	if m.connectUsed {
		m.mu.Unlock()
		return 0, errors.New("connmgr: Connect already used")
	}
	if err := m.ensureBusLocked(); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	if m.cliProf == nil {
		p, err := m.exportProfileLocked("client", map[string]dbus.Variant{
			"Role": dbus.MakeVariant("client"),
		})
		if err != nil {
			m.mu.Unlock()
			return 0, err
		}
		m.cliProf = p
		m.role = roleClient
	}
	m.connectUsed = true
	p := m.cliProf
	bus := m.bus
	m.mu.Unlock()

	devObj := bus.Object(bluezService, dbus.ObjectPath(dev.Path))
	if err := ensurePaired(devObj); err != nil {
		p.abandon()
		return 0, err
	}
	if err := m.connectProfile(ctx, devObj); err != nil {
		p.abandon()
		return 0, err
	}

	select {
	case <-ctx.Done():
		p.abandon()
		return 0, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
	case res := <-p.ch:
		return res.fd, nil
	}
}

func ensurePaired(devObj dbus.BusObject) error {
	var paired dbus.Variant
	call := devObj.Call(propsIface+".Get", 0, deviceIface, "Paired")
	if call.Err != nil || call.Store(&paired) != nil {
		// Unknown pairing state; let ConnectProfile report the problem.
		return nil
	}
	if b, ok := paired.Value().(bool); ok && !b {
		if err := devObj.Call(deviceIface+".Pair", 0).Err; err != nil {
			return fmt.Errorf("connmgr: Pair: %w", err)
		}
	}
	return nil
}

// connectProfile calls Device1.ConnectProfile, retrying with backoff while
// BlueZ reports a transient condition.
func (m *mgr) connectProfile(ctx context.Context, devObj dbus.BusObject) error {
	b := &backoff.Backoff{
		Factor: 2,
		Jitter: true,
		Min:    m.opts.RetryMin,
		Max:    m.opts.RetryMax,
	}
	for {
		call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, m.opts.ServiceUUID)
		if call.Err == nil {
			return nil
		}
		var derr dbus.Error
		if !errors.As(call.Err, &derr) || !transientErrors[derr.Name] {
			return fmt.Errorf("connmgr: ConnectProfile: %w", call.Err)
		}
		wait := b.Duration()
		m.log.Debug("ConnectProfile busy, retrying",
			zap.String("device", string(devObj.Path())),
			zap.String("reason", derr.Name),
			zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return fmt.Errorf("connmgr: ConnectProfile: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// Close is safe for concurrent and redundant calls (idempotent).
func (m *mgr) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cleanup := m.cleanup
	m.cleanup = nil
	m.mu.Unlock()

	var err error
	for i := len(cleanup) - 1; i >= 0; i-- {
		err = multierr.Append(err, cleanup[i]())
	}
	return err
}

func managedObjects(bus *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := bus.Object(bluezService, dbus.ObjectPath("/")).Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant, serviceUUID string) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	v, ok := props["UUIDs"]
	if !ok {
		return Device{}, false
	}
	uuids, _ := v.Value().([]string)
	if !containsUUID(uuids, serviceUUID) {
		return Device{}, false
	}
	dev := Device{
		Path:  string(path),
		MAC:   stringProp(props, "Address"),
		Name:  stringProp(props, "Name"),
		Alias: stringProp(props, "Alias"),
	}
	if dev.MAC == "" {
		dev.MAC = macFromPath(dev.Path)
	}
	return dev, true
}

func stringProp(props map[string]dbus.Variant, key string) string {
	if v, ok := props[key]; ok {
		s, _ := v.Value().(string)
		return s
	}
	return ""
}

func containsUUID(list []string, target string) bool {
	for _, s := range list {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}

func sortDevices(devs []Device) {
	sort.Slice(devs, func(i, j int) bool {
		a, b := strings.ToLower(devs[i].DisplayName()), strings.ToLower(devs[j].DisplayName())
		if a != b {
			return a < b
		}
		return devs[i].Path < devs[j].Path
	})
}
