package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
)

// Traversal limits.
const (
	DefaultMaxNodes      = 20000
	DefaultMaxCandidates = 50
)

// ErrDepthExceeded aborts a traversal that went deeper than the configured bound.
var ErrDepthExceeded = errors.New("accessibility tree exceeds maximum depth")

// ErrNodeLimit aborts a traversal that visited too many nodes.
var ErrNodeLimit = errors.New("accessibility tree exceeds node limit")

// addressRoles are the accessible roles an address bar is exposed with.
var addressRoles = map[string]struct{}{
	"entry":     {},
	"edit":      {},
	"text":      {},
	"combo box": {},
	"editbar":   {},
}

// AccessibleNode is one element of an accessibility tree.
type AccessibleNode interface {
	Role(ctx context.Context) (string, error)
	Value(ctx context.Context) (string, error)
	Children(ctx context.Context) ([]AccessibleNode, error)
}

// RootFunc locates the accessibility root of the focused window.
type RootFunc func(ctx context.Context, snap domain.FocusSnapshot) (AccessibleNode, error)

type frame struct {
	node  AccessibleNode
	depth int
}

// FindAddress walks the tree depth-first looking for an address-bar value.
// The walk is iterative and stops with ErrDepthExceeded as soon as a node
// deeper than maxDepth is reached. Unreadable nodes are skipped.
func FindAddress(ctx context.Context, root AccessibleNode, maxDepth, maxNodes int) (string, error) {
	if root == nil {
		return "", nil
	}
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}

	stack := []frame{{node: root, depth: 0}}
	visited, candidates := 0, 0
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.depth > maxDepth {
			return "", fmt.Errorf("%w (%d)", ErrDepthExceeded, maxDepth)
		}
		visited++
		if visited > maxNodes {
			return "", fmt.Errorf("%w (%d)", ErrNodeLimit, maxNodes)
		}

		if role, err := f.node.Role(ctx); err == nil {
			if _, ok := addressRoles[strings.ToLower(role)]; ok {
				candidates++
				if v, err := f.node.Value(ctx); err == nil && LooksLikeURL(v) {
					return strings.TrimSpace(v), nil
				}
				if candidates >= DefaultMaxCandidates {
					return "", nil
				}
			}
		}

		children, err := f.node.Children(ctx)
		if err != nil {
			continue
		}
		// Push in reverse so the first child is visited first.
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, frame{node: children[i], depth: f.depth + 1})
		}
	}
	return "", nil
}

// AccessibilityStrategy resolves the tab from the browser's address bar
// as exposed by the platform accessibility API.
type AccessibilityStrategy struct {
	root     RootFunc
	maxDepth int
	maxNodes int
}

// NewAccessibilityStrategy creates the accessibility tier.
func NewAccessibilityStrategy(root RootFunc, maxDepth int) *AccessibilityStrategy {
	if maxDepth <= 0 {
		maxDepth = domain.DefaultMaxAccessibilityDepth
	}
	return &AccessibilityStrategy{root: root, maxDepth: maxDepth, maxNodes: DefaultMaxNodes}
}

func (s *AccessibilityStrategy) Name() string {
	return TierAccessibility
}

func (s *AccessibilityStrategy) Resolve(ctx context.Context, snap domain.FocusSnapshot, browser domain.BrowserSignature) (*domain.BrowserTabInfo, error) {
	root, err := s.root(ctx, snap)
	if err != nil {
		return nil, err
	}
	raw, err := FindAddress(ctx, root, s.maxDepth, s.maxNodes)
	if err != nil || raw == "" {
		return nil, err
	}
	origin, host, ok := ReduceToOrigin(raw)
	if !ok {
		return nil, nil
	}
	title := ParseTitle(snap.WindowTitle, browser).Title
	return &domain.BrowserTabInfo{
		Domain:      strings.TrimPrefix(host, "www."),
		URL:         origin,
		Title:       title,
		BrowserType: browser.ID,
		Source:      TierAccessibility,
	}, nil
}

var _ domain.TabStrategy = (*AccessibilityStrategy)(nil)
