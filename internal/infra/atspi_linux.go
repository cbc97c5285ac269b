//go:build linux

package infra

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
	"github.com/eliteGoblin/focusd/focustrack/internal/resolver"
)

const (
	a11yBusName     = "org.a11y.Bus"
	a11yBusPath     = "/org/a11y/bus"
	a11yStatusProp  = "org.a11y.Status.IsEnabled"
	atspiRegistry   = "org.a11y.atspi.Registry"
	atspiRootPath   = "/org/a11y/atspi/accessible/root"
	atspiNullPath   = "/org/a11y/atspi/null"
	atspiAccessible = "org.a11y.atspi.Accessible"
	atspiText       = "org.a11y.atspi.Text"
)

// atspiRef is the (so) reference AT-SPI uses for accessibles.
type atspiRef struct {
	Name string
	Path dbus.ObjectPath
}

// ATSPIClient talks to the AT-SPI accessibility bus.
type ATSPIClient struct {
	mu     sync.Mutex
	conn   *dbus.Conn
	logger *zap.Logger
}

// NewATSPIClient creates a client. The accessibility bus is dialed on first use.
func NewATSPIClient(logger *zap.Logger) *ATSPIClient {
	return &ATSPIClient{logger: logger}
}

func a11yLauncher() (dbus.BusObject, error) {
	session, err := dbus.SessionBus()
	if err != nil {
		return nil, errors.Wrap(err, "connect to session bus")
	}
	return session.Object(a11yBusName, a11yBusPath), nil
}

// Enabled reports whether toolkit accessibility is switched on for the session.
func (c *ATSPIClient) Enabled(ctx context.Context) (bool, error) {
	launcher, err := a11yLauncher()
	if err != nil {
		return false, err
	}
	v, err := launcher.GetProperty(a11yStatusProp)
	if err != nil {
		return false, errors.Wrap(err, "read accessibility status")
	}
	enabled, _ := v.Value().(bool)
	return enabled, nil
}

// Enable switches toolkit accessibility on. Applications started afterwards
// expose their widget tree; running ones may need a restart.
func (c *ATSPIClient) Enable(ctx context.Context) error {
	launcher, err := a11yLauncher()
	if err != nil {
		return err
	}
	return errors.Wrap(launcher.SetProperty(a11yStatusProp, dbus.MakeVariant(true)), "enable accessibility")
}

func (c *ATSPIClient) bus(ctx context.Context) (*dbus.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.conn.Connected() {
		return c.conn, nil
	}

	launcher, err := a11yLauncher()
	if err != nil {
		return nil, err
	}
	var addr string
	if err := launcher.CallWithContext(ctx, a11yBusName+".GetAddress", 0).Store(&addr); err != nil {
		return nil, errors.Wrap(err, "locate accessibility bus")
	}
	conn, err := dbus.Connect(addr)
	if err != nil {
		return nil, errors.Wrap(err, "connect to accessibility bus")
	}
	c.conn = conn
	return conn, nil
}

// Root finds the accessible application owned by the focused process.
// It matches resolver.RootFunc and returns a nil node when none is registered.
func (c *ATSPIClient) Root(ctx context.Context, snap domain.FocusSnapshot) (resolver.AccessibleNode, error) {
	conn, err := c.bus(ctx)
	if err != nil {
		return nil, err
	}

	var apps []atspiRef
	err = conn.Object(atspiRegistry, atspiRootPath).
		CallWithContext(ctx, atspiAccessible+".GetChildren", 0).Store(&apps)
	if err != nil {
		return nil, errors.Wrap(err, "list accessible applications")
	}

	for _, app := range apps {
		var pid uint32
		err := conn.BusObject().
			CallWithContext(ctx, "org.freedesktop.DBus.GetConnectionUnixProcessID", 0, app.Name).Store(&pid)
		if err != nil {
			continue
		}
		if int(pid) == snap.ProcessID {
			return atspiNode{conn: conn, ref: app}, nil
		}
	}
	c.logger.Debug("focused process has no accessible application", zap.Int("pid", snap.ProcessID))
	return nil, nil
}

// Close closes the accessibility bus connection.
func (c *ATSPIClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

type atspiNode struct {
	conn *dbus.Conn
	ref  atspiRef
}

func (n atspiNode) object() dbus.BusObject {
	return n.conn.Object(n.ref.Name, n.ref.Path)
}

func (n atspiNode) Role(ctx context.Context) (string, error) {
	var role string
	err := n.object().CallWithContext(ctx, atspiAccessible+".GetRoleName", 0).Store(&role)
	return role, err
}

func (n atspiNode) Value(ctx context.Context) (string, error) {
	var text string
	err := n.object().CallWithContext(ctx, atspiText+".GetText", 0, int32(0), int32(-1)).Store(&text)
	return text, err
}

func (n atspiNode) Children(ctx context.Context) ([]resolver.AccessibleNode, error) {
	var refs []atspiRef
	if err := n.object().CallWithContext(ctx, atspiAccessible+".GetChildren", 0).Store(&refs); err != nil {
		return nil, err
	}
	nodes := make([]resolver.AccessibleNode, 0, len(refs))
	for _, ref := range refs {
		if ref.Path == atspiNullPath {
			continue
		}
		nodes = append(nodes, atspiNode{conn: n.conn, ref: ref})
	}
	return nodes, nil
}

var _ resolver.AccessibleNode = atspiNode{}
