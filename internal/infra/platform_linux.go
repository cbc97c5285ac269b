//go:build linux

package infra

import (
	"context"
	"errors"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
	"github.com/eliteGoblin/focusd/focustrack/internal/resolver"
)

// LinuxPlatform tracks focus on X11 sessions (including XWayland clients).
// Browser tabs are read over DevTools and AT-SPI.
type LinuxPlatform struct {
	*ProcessLister
	x11    *X11Probe
	atspi  *ATSPIClient
	logger *zap.Logger
}

// NewPlatform returns the platform for this OS.
func NewPlatform(logger *zap.Logger) domain.Platform {
	return NewLinuxPlatform(logger)
}

// NewLinuxPlatform creates the X11 platform.
func NewLinuxPlatform(logger *zap.Logger) *LinuxPlatform {
	processes := NewProcessLister(logger)
	return &LinuxPlatform{
		ProcessLister: processes,
		x11:           NewX11Probe(processes, logger),
		atspi:         NewATSPIClient(logger),
		logger:        logger,
	}
}

func (p *LinuxPlatform) Name() string {
	return "linux-x11"
}

// Supported is false on pure Wayland sessions, which expose no focused
// window to other clients.
func (p *LinuxPlatform) Supported() bool {
	return os.Getenv("DISPLAY") != ""
}

func (p *LinuxPlatform) Sample(ctx context.Context) (domain.FocusSnapshot, error) {
	return p.x11.Sample(ctx)
}

func (p *LinuxPlatform) RegisterHook(notify func()) (func() error, error) {
	return p.x11.RegisterHook(notify)
}

// CheckPermission succeeds when the X server accepts our connection.
func (p *LinuxPlatform) CheckPermission(ctx context.Context) error {
	if err := p.x11.Connect(); err != nil {
		return domain.Wrap(domain.ErrPermissionDenied, err)
	}
	return nil
}

// RequestPermission switches on AT-SPI for the accessibility tier, then
// re-checks the X connection. There is no interactive prompt on X11.
func (p *LinuxPlatform) RequestPermission(ctx context.Context) error {
	if enabled, err := p.atspi.Enabled(ctx); err == nil && !enabled {
		if err := p.atspi.Enable(ctx); err != nil {
			p.logger.Warn("could not enable accessibility bus", zap.Error(err))
		} else {
			p.logger.Info("accessibility bus enabled")
		}
	}
	return p.CheckPermission(ctx)
}

// OpenSystemSettings enables AT-SPI and opens the desktop accessibility
// panel when one is installed.
func (p *LinuxPlatform) OpenSystemSettings(ctx context.Context) error {
	if err := p.atspi.Enable(ctx); err != nil {
		p.logger.Warn("could not enable accessibility bus", zap.Error(err))
	}
	panel, err := exec.LookPath("gnome-control-center")
	if err != nil {
		return nil
	}
	cmd := exec.Command(panel, "universal-access")
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

func (p *LinuxPlatform) TabStrategies(cfg domain.Config) []domain.TabStrategy {
	var tiers []domain.TabStrategy
	if cfg.DevToolsAddress != "" {
		tiers = append(tiers, NewDevToolsStrategy(cfg.DevToolsAddress, p.logger))
	}
	return append(tiers, resolver.NewAccessibilityStrategy(p.atspi.Root, cfg.MaxAccessibilityDepth))
}

func (p *LinuxPlatform) Close() error {
	return errors.Join(p.x11.Close(), p.atspi.Close())
}

var _ domain.Platform = (*LinuxPlatform)(nil)
