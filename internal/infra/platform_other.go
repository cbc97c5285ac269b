//go:build !linux && !windows

package infra

import (
	"context"
	"runtime"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
)

// UnsupportedPlatform lists processes but cannot observe focus.
type UnsupportedPlatform struct {
	*ProcessLister
}

// NewPlatform returns the platform for this OS.
func NewPlatform(logger *zap.Logger) domain.Platform {
	return &UnsupportedPlatform{ProcessLister: NewProcessLister(logger)}
}

func (p *UnsupportedPlatform) Name() string {
	return runtime.GOOS
}

func (p *UnsupportedPlatform) Supported() bool {
	return false
}

func (p *UnsupportedPlatform) unsupported() error {
	return domain.ErrPlatformUnsupported.WithDetail("platform", runtime.GOOS)
}

func (p *UnsupportedPlatform) Sample(ctx context.Context) (domain.FocusSnapshot, error) {
	return domain.FocusSnapshot{}, p.unsupported()
}

func (p *UnsupportedPlatform) RegisterHook(notify func()) (func() error, error) {
	return nil, p.unsupported()
}

func (p *UnsupportedPlatform) CheckPermission(ctx context.Context) error {
	return p.unsupported()
}

func (p *UnsupportedPlatform) RequestPermission(ctx context.Context) error {
	return p.unsupported()
}

func (p *UnsupportedPlatform) OpenSystemSettings(ctx context.Context) error {
	return p.unsupported()
}

func (p *UnsupportedPlatform) TabStrategies(domain.Config) []domain.TabStrategy {
	return nil
}

func (p *UnsupportedPlatform) Close() error {
	return nil
}

var _ domain.Platform = (*UnsupportedPlatform)(nil)
