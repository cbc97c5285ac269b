//go:build linux

package infra

import (
	"context"
	"encoding/binary"
	"strings"
	"sync"
	"time"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
)

var x11AtomNames = []string{
	"_NET_ACTIVE_WINDOW",
	"_NET_WM_NAME",
	"_NET_WM_PID",
	"WM_NAME",
	"WM_CLASS",
	"UTF8_STRING",
}

// x11Conn is one X server connection with its interned atoms.
type x11Conn struct {
	conn  *xgb.Conn
	root  xproto.Window
	atoms map[string]xproto.Atom
}

func dialX11() (*x11Conn, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, errors.Wrap(err, "connect to X server")
	}
	c := &x11Conn{
		conn:  conn,
		root:  xproto.Setup(conn).DefaultScreen(conn).Root,
		atoms: make(map[string]xproto.Atom, len(x11AtomNames)),
	}
	for _, name := range x11AtomNames {
		reply, err := xproto.InternAtom(conn, false, uint16(len(name)), name).Reply()
		if err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "intern atom %s", name)
		}
		c.atoms[name] = reply.Atom
	}
	return c, nil
}

func (c *x11Conn) property(window xproto.Window, atom, atomType xproto.Atom, length uint32) ([]byte, error) {
	reply, err := xproto.GetProperty(c.conn, false, window, atom, atomType, 0, length).Reply()
	if err != nil {
		return nil, err
	}
	return reply.Value, nil
}

// activeWindow prefers _NET_ACTIVE_WINDOW and falls back to the top-level
// parent of the input focus for window managers without EWMH.
func (c *x11Conn) activeWindow() (xproto.Window, error) {
	data, err := c.property(c.root, c.atoms["_NET_ACTIVE_WINDOW"], xproto.AtomWindow, 1)
	if err != nil {
		return 0, err
	}
	if len(data) >= 4 {
		if win := xproto.Window(binary.LittleEndian.Uint32(data)); win != 0 {
			return win, nil
		}
	}

	focus, err := xproto.GetInputFocus(c.conn).Reply()
	if err != nil || focus.Focus == 0 || focus.Focus == c.root {
		return 0, err
	}
	return c.topLevel(focus.Focus), nil
}

func (c *x11Conn) topLevel(window xproto.Window) xproto.Window {
	for {
		reply, err := xproto.QueryTree(c.conn, window).Reply()
		if err != nil || reply.Parent == c.root || reply.Parent == 0 {
			return window
		}
		window = reply.Parent
	}
}

func (c *x11Conn) title(window xproto.Window) string {
	if data, err := c.property(window, c.atoms["_NET_WM_NAME"], c.atoms["UTF8_STRING"], 256); err == nil && len(data) > 0 {
		return strings.TrimRight(string(data), "\x00")
	}
	if data, err := c.property(window, c.atoms["WM_NAME"], xproto.AtomString, 256); err == nil && len(data) > 0 {
		return strings.TrimRight(string(data), "\x00")
	}
	return ""
}

// class returns the WM_CLASS instance and class names.
func (c *x11Conn) class(window xproto.Window) (instance, class string) {
	data, err := c.property(window, c.atoms["WM_CLASS"], xproto.AtomString, 256)
	if err != nil || len(data) == 0 {
		return "", ""
	}
	parts := strings.Split(strings.TrimRight(string(data), "\x00"), "\x00")
	instance = parts[0]
	if len(parts) > 1 {
		class = parts[1]
	}
	return instance, class
}

func (c *x11Conn) pid(window xproto.Window) int {
	data, err := c.property(window, c.atoms["_NET_WM_PID"], xproto.AtomCardinal, 1)
	if err != nil || len(data) < 4 {
		return 0
	}
	return int(binary.LittleEndian.Uint32(data))
}

// X11Probe samples the focused window through the X server.
// The connection is opened lazily and reopened after a failure.
type X11Probe struct {
	mu        sync.Mutex
	conn      *x11Conn
	processes *ProcessLister
	logger    *zap.Logger
}

// NewX11Probe creates a probe. No connection is made until first use.
func NewX11Probe(processes *ProcessLister, logger *zap.Logger) *X11Probe {
	return &X11Probe{processes: processes, logger: logger}
}

// Connect opens the X connection if needed.
func (p *X11Probe) Connect() error {
	_, err := p.connection()
	return err
}

func (p *X11Probe) connection() (*x11Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn, nil
	}
	conn, err := dialX11()
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

// reset drops a connection that returned an error.
func (p *X11Probe) reset(conn *x11Conn) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()
	conn.conn.Close()
}

// Sample implements domain.Probe.
func (p *X11Probe) Sample(ctx context.Context) (domain.FocusSnapshot, error) {
	conn, err := p.connection()
	if err != nil {
		return domain.FocusSnapshot{}, domain.Wrap(domain.ErrPermissionDenied, err)
	}

	win, err := conn.activeWindow()
	if err != nil {
		p.reset(conn)
		return domain.FocusSnapshot{}, domain.Wrap(domain.ErrProbeTransient, errors.Wrap(err, "query active window"))
	}
	if win == 0 {
		return domain.FocusSnapshot{}, domain.Wrap(domain.ErrProbeTransient, errors.New("no active window"))
	}
	pid := conn.pid(win)
	if pid == 0 {
		return domain.FocusSnapshot{}, domain.Wrap(domain.ErrProbeTransient, errors.Errorf("window %#x has no _NET_WM_PID", uint32(win)))
	}

	info, err := p.processes.Inspect(ctx, pid)
	if err != nil {
		return domain.FocusSnapshot{}, err
	}
	instance, class := conn.class(win)
	appName := class
	if appName == "" {
		appName = instance
	}
	return Snapshot(pid, uint64(win), conn.title(win), appName, info), nil
}

// RegisterHook listens for _NET_ACTIVE_WINDOW changes on the root window
// over a dedicated connection.
func (p *X11Probe) RegisterHook(notify func()) (func() error, error) {
	hook, err := dialX11()
	if err != nil {
		return nil, err
	}
	err = xproto.ChangeWindowAttributesChecked(hook.conn, hook.root,
		xproto.CwEventMask, []uint32{xproto.EventMaskPropertyChange}).Check()
	if err != nil {
		hook.conn.Close()
		return nil, errors.Wrap(err, "select root property events")
	}

	active := hook.atoms["_NET_ACTIVE_WINDOW"]
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			ev, xerr := hook.conn.WaitForEvent()
			if ev == nil && xerr == nil {
				return // connection closed
			}
			if xerr != nil {
				p.logger.Debug("X error on hook connection", zap.String("error", xerr.Error()))
				continue
			}
			if pn, ok := ev.(xproto.PropertyNotifyEvent); ok && pn.Atom == active {
				notify()
			}
		}
	}()

	var once sync.Once
	return func() error {
		once.Do(func() {
			hook.conn.Close()
			select {
			case <-done:
			case <-time.After(time.Second):
				p.logger.Warn("X hook reader did not exit")
			}
		})
		return nil
	}, nil
}

// Close releases the sampling connection.
func (p *X11Probe) Close() error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.conn.Close()
	}
	return nil
}

var (
	_ domain.Probe         = (*X11Probe)(nil)
	_ domain.HookRegistrar = (*X11Probe)(nil)
)
