package infra

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
	"github.com/eliteGoblin/focusd/focustrack/internal/resolver"
)

type cdpRequest struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
}

type cdpTarget struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

type cdpResponse struct {
	ID     int    `json:"id"`
	Method string `json:"method,omitempty"`
	Result struct {
		TargetInfos []cdpTarget `json:"targetInfos"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// DevToolsStrategy is the automation tier. It asks a Chromium-family browser
// started with --remote-debugging-port for its page targets over the
// DevTools protocol and picks the one matching the window title.
type DevToolsStrategy struct {
	addr   string
	client *http.Client
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewDevToolsStrategy creates the automation tier for a DevTools endpoint (host:port).
func NewDevToolsStrategy(addr string, logger *zap.Logger) *DevToolsStrategy {
	return &DevToolsStrategy{
		addr:   addr,
		client: &http.Client{},
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

func (s *DevToolsStrategy) Name() string {
	return resolver.TierAutomation
}

// Resolve returns nil, nil when the browser has no DevTools support or no
// page matches the focused window.
func (s *DevToolsStrategy) Resolve(ctx context.Context, snap domain.FocusSnapshot, browser domain.BrowserSignature) (*domain.BrowserTabInfo, error) {
	if !browser.SupportsDevTools || s.addr == "" {
		return nil, nil
	}

	endpoint, err := s.browserEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	targets, err := s.pageTargets(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	target := pickTarget(targets, resolver.ParseTitle(snap.WindowTitle, browser).Title)
	if target == nil {
		return nil, nil
	}
	origin, host, ok := resolver.ReduceToOrigin(target.URL)
	if !ok {
		s.logger.Debug("devtools page has no web origin", zap.String("url", target.URL))
		return nil, nil
	}
	return &domain.BrowserTabInfo{
		Domain:      strings.TrimPrefix(host, "www."),
		URL:         origin,
		Title:       target.Title,
		BrowserType: browser.ID,
		Source:      resolver.TierAutomation,
	}, nil
}

// browserEndpoint discovers the browser-level websocket URL.
func (s *DevToolsStrategy) browserEndpoint(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+s.addr+"/json/version", nil)
	if err != nil {
		return "", errors.Wrap(err, "build devtools request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "devtools endpoint unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("devtools version: HTTP %d", resp.StatusCode)
	}

	var version struct {
		Browser              string `json:"Browser"`
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return "", errors.Wrap(err, "decode devtools version")
	}
	if version.WebSocketDebuggerURL == "" {
		return "", errors.New("devtools version has no webSocketDebuggerUrl")
	}
	return version.WebSocketDebuggerURL, nil
}

// pageTargets runs Target.getTargets and returns the page targets.
func (s *DevToolsStrategy) pageTargets(ctx context.Context, endpoint string) ([]cdpTarget, error) {
	conn, _, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial devtools")
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}
	// Unblock the read if ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	const requestID = 1
	if err := conn.WriteJSON(cdpRequest{ID: requestID, Method: "Target.getTargets"}); err != nil {
		return nil, errors.Wrap(err, "send Target.getTargets")
	}

	for {
		var resp cdpResponse
		if err := conn.ReadJSON(&resp); err != nil {
			return nil, errors.Wrap(err, "read Target.getTargets")
		}
		if resp.ID != requestID {
			continue // protocol event
		}
		if resp.Error != nil {
			return nil, errors.Errorf("Target.getTargets: %s (%d)", resp.Error.Message, resp.Error.Code)
		}
		pages := resp.Result.TargetInfos[:0]
		for _, t := range resp.Result.TargetInfos {
			if t.Type == "page" {
				pages = append(pages, t)
			}
		}
		return pages, nil
	}
}

// pickTarget prefers an exact title match, then a case-insensitive prefix
// match, then the only page when there is just one.
func pickTarget(pages []cdpTarget, title string) *cdpTarget {
	want := strings.ToLower(strings.TrimSpace(title))
	for i := range pages {
		if strings.TrimSpace(pages[i].Title) == strings.TrimSpace(title) {
			return &pages[i]
		}
	}
	if want != "" {
		for i := range pages {
			got := strings.ToLower(strings.TrimSpace(pages[i].Title))
			if got != "" && (strings.HasPrefix(want, got) || strings.HasPrefix(got, want)) {
				return &pages[i]
			}
		}
	}
	if len(pages) == 1 {
		return &pages[0]
	}
	return nil
}

var _ domain.TabStrategy = (*DevToolsStrategy)(nil)
