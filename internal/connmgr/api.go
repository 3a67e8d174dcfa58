// Package connmgr prepares RFCOMM socket FDs for Serial Port Profile
// connections through BlueZ over D-Bus: discovery of SPP devices, outgoing
// connections and a single-connection server.
//
// Thread-safety: except for Close(), methods are not safe for concurrent use.
// Callers must serialize StartServer, Accept, ScanSPP, and Connect. Close is
// safe to call concurrently and is idempotent.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRFCOMMChannel is the fixed RFCOMM channel for the server-side profile.
	DefaultRFCOMMChannel uint8 = 22

	// DefaultAdapter is the adapter used to build object paths from MACs.
	DefaultAdapter = "hci0"
)

var (
	ErrClosed      = errors.New("connmgr: closed")
	ErrUnsupported = errors.New("connmgr: BlueZ is only available on Linux")
)

// Device represents the minimum information needed to display and connect.
//
// Path is required (BlueZ Device1 object path as string). Other fields are optional
// and may be empty depending on discovery results.
type Device struct {
	Path  string // D-Bus object path, e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX
	MAC   string
	Name  string
	Alias string
}

// DisplayName returns the best label available for the device.
func (d Device) DisplayName() string {
	switch {
	case d.Alias != "":
		return d.Alias
	case d.Name != "":
		return d.Name
	case d.MAC != "":
		return d.MAC
	default:
		return d.Path
	}
}

var macPattern = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)

// ParseDevice accepts either a BlueZ object path or a MAC address. A MAC is
// turned into the object path it has under adapter.
func ParseDevice(adapter, s string) (Device, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Device{}, errors.New("connmgr: device required")
	}
	if strings.HasPrefix(s, "/") {
		return Device{Path: s, MAC: macFromPath(s)}, nil
	}
	if !macPattern.MatchString(s) {
		return Device{}, fmt.Errorf("connmgr: %q is neither an object path nor a MAC address", s)
	}
	if adapter == "" {
		adapter = DefaultAdapter
	}
	mac := strings.ToUpper(s)
	return Device{
		Path: "/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(mac, ":", "_"),
		MAC:  mac,
	}, nil
}

func macFromPath(p string) string {
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(p, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(p[idx+5:], "_", ":")
}

// ServerOptions controls server-side profile registration.
type ServerOptions struct {
	// ServiceName is required and will be used for RegisterProfile options["Name"].
	ServiceName string
}

// Options configures a manager.
type Options struct {
	// ServiceUUID overrides SPPUUID for profile registration and discovery.
	ServiceUUID string

	// RetryMin and RetryMax bound the backoff between ConnectProfile
	// attempts while BlueZ reports a transient failure.
	RetryMin time.Duration
	RetryMax time.Duration

	Logger *zap.Logger
}

func (o Options) withDefaults() (Options, error) {
	if o.ServiceUUID == "" {
		o.ServiceUUID = SPPUUID
	}
	u, err := uuid.Parse(o.ServiceUUID)
	if err != nil {
		return o, fmt.Errorf("connmgr: service uuid: %w", err)
	}
	o.ServiceUUID = u.String()
	if o.RetryMin <= 0 {
		o.RetryMin = 250 * time.Millisecond
	}
	if o.RetryMax < o.RetryMin {
		o.RetryMax = 4 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o, nil
}

// Mgr is the single public interface for discovery and connections.
// Responsibilities end at preparing FDs for the caller; reconnect is out of scope.
type Mgr interface {
	// StartServer registers an SPP profile (Role="server").
	// After a successful call, use Accept to wait for exactly one incoming connection.
	//   - Calling StartServer more than once returns an error.
	//   - A Mgr instance is single-role: if Connect has been used on this instance,
	//     StartServer returns an error (and vice versa).
	StartServer(ctx context.Context, opts ServerOptions) error

	// Accept blocks until a connection is established or ctx is canceled.
	// It returns the peer device and an FD the caller owns. Accept may be
	// called at most once; later incoming connections are rejected.
	Accept(ctx context.Context) (fd int, remote Device, err error)

	// ScanSPP discovers nearby devices advertising the service UUID until ctx
	// is done and returns a snapshot sorted by display name. Every returned
	// Device has a non-empty Path.
	ScanSPP(ctx context.Context) ([]Device, error)

	// Connect initiates an outgoing connection to dev and waits for BlueZ to
	// hand over the socket. Pairing is attempted if the device is not paired;
	// a BlueZ agent registered elsewhere must answer it. Connect may be
	// called at most once. Context errors are wrapped.
	Connect(ctx context.Context, dev Device) (fd int, err error)

	// Close releases D-Bus objects and the bus connection. After Close, all
	// other methods return ErrClosed.
	Close() error
}
