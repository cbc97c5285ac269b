package usecase

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
	"github.com/eliteGoblin/focusd/focustrack/internal/policy"
)

// DefaultMinScanInterval is how long a process listing is reused.
const DefaultMinScanInterval = time.Second

// ErrEnumeratorStopped is returned by ListRunning after the worker has exited.
var ErrEnumeratorStopped = errors.New("process enumerator stopped")

type enumRequest struct {
	ctx           context.Context
	includeSystem bool
	reply         chan enumReply
}

type enumReply struct {
	apps []domain.AppInfo
	err  error
}

// Enumerator lists running applications on a dedicated worker goroutine.
// Requests are served one at a time and scans are rate limited by MinScanInterval.
type Enumerator struct {
	lister          domain.ProcessLister
	system          *policy.SystemApps
	browsers        *policy.Registry
	clock           func() time.Time
	minScanInterval time.Duration
	logger          *zap.Logger

	requests chan enumRequest
	done     chan struct{}

	// owned by the worker
	cached   []domain.AppInfo
	cachedAt time.Time
	scans    int
}

// NewEnumerator creates an enumerator. Call Run to start its worker.
func NewEnumerator(lister domain.ProcessLister, system *policy.SystemApps, browsers *policy.Registry, clock func() time.Time, logger *zap.Logger) *Enumerator {
	if clock == nil {
		clock = time.Now
	}
	return &Enumerator{
		lister:          lister,
		system:          system,
		browsers:        browsers,
		clock:           clock,
		minScanInterval: DefaultMinScanInterval,
		logger:          logger,
		requests:        make(chan enumRequest),
		done:            make(chan struct{}),
	}
}

// Run serves requests until ctx is cancelled.
func (e *Enumerator) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.requests:
			apps, err := e.scan(req.ctx)
			if err == nil {
				apps = e.filter(apps, req.includeSystem)
			}
			req.reply <- enumReply{apps: apps, err: err}
		}
	}
}

// ListRunning returns the running applications sorted by name.
// With includeSystem false, no system-classified entry is returned.
func (e *Enumerator) ListRunning(ctx context.Context, includeSystem bool) ([]domain.AppInfo, error) {
	req := enumRequest{ctx: ctx, includeSystem: includeSystem, reply: make(chan enumReply, 1)}
	select {
	case e.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrEnumeratorStopped
	}

	// The worker always replies once it has accepted the request.
	res := <-req.reply
	return res.apps, res.err
}

// scan returns the cached listing or reads the process table.
func (e *Enumerator) scan(ctx context.Context) ([]domain.AppInfo, error) {
	now := e.clock()
	if e.cached != nil && now.Sub(e.cachedAt) < e.minScanInterval {
		return e.cached, nil
	}

	entries, err := e.lister.ListProcesses(ctx)
	if err != nil {
		e.logger.Warn("process listing failed", zap.Error(err))
		return nil, err
	}
	e.scans++

	seen := make(map[int]struct{}, len(entries))
	apps := make([]domain.AppInfo, 0, len(entries))
	for _, entry := range entries {
		if _, dup := seen[entry.PID]; dup {
			continue
		}
		seen[entry.PID] = struct{}{}
		apps = append(apps, e.toAppInfo(entry))
	}
	sort.SliceStable(apps, func(i, j int) bool {
		a, b := strings.ToLower(apps[i].Name), strings.ToLower(apps[j].Name)
		if a != b {
			return a < b
		}
		return apps[i].ProcessID < apps[j].ProcessID
	})

	e.cached = apps
	e.cachedAt = now
	e.logger.Debug("process table scanned", zap.Int("processes", len(apps)))
	return apps, nil
}

func (e *Enumerator) toAppInfo(entry domain.ProcessEntry) domain.AppInfo {
	identifier := entry.Exe
	if identifier == "" {
		identifier = entry.Name
	}
	_, isBrowser := e.browsers.MatchName(identifier)
	return domain.AppInfo{
		Name:           entry.Name,
		Identifier:     identifier,
		ProcessID:      entry.PID,
		ExecutablePath: entry.Exe,
		IsSystem:       e.system.IsSystem(entry),
		IsBrowser:      isBrowser,
	}
}

func (e *Enumerator) filter(apps []domain.AppInfo, includeSystem bool) []domain.AppInfo {
	out := make([]domain.AppInfo, 0, len(apps))
	for _, a := range apps {
		if a.IsSystem && !includeSystem {
			continue
		}
		out = append(out, a)
	}
	return out
}
