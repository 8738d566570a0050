package app

import (
	"strings"
	"sync"

	"ShadiChat/internal/locale"
)

// Navigator tracks the shell's current route, which carries the active locale
// as its first segment (/hi/chat/c1).
type Navigator struct {
	mu         sync.Mutex
	path       string
	onRedirect func(path string)
}

// NewNavigator starts at the locale's root
func NewNavigator(loc string) *Navigator {
	if !locale.Supported(loc) {
		loc = locale.Default
	}
	return &Navigator{path: "/" + loc}
}

// CurrentPath returns the current route
func (n *Navigator) CurrentPath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.path
}

// Redirect moves to path and notifies the redirect hook
func (n *Navigator) Redirect(path string) {
	n.mu.Lock()
	n.path = path
	hook := n.onRedirect
	n.mu.Unlock()

	if hook != nil {
		hook(path)
	}
}

// Go moves to a route under the current locale, e.g. Go("chat", "c1")
func (n *Navigator) Go(segments ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.path = "/" + strings.Join(append([]string{locale.FromPath(n.path)}, segments...), "/")
}

// Locale returns the active locale
func (n *Navigator) Locale() string {
	return locale.FromPath(n.CurrentPath())
}

// SetLocale swaps the locale segment of the current route
func (n *Navigator) SetLocale(loc string) bool {
	if !locale.Supported(loc) {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	rest := strings.TrimPrefix(n.path, "/")
	if first, tail, _ := strings.Cut(rest, "/"); locale.Supported(first) {
		rest = tail
	}
	if rest == "" {
		n.path = "/" + loc
	} else {
		n.path = "/" + loc + "/" + rest
	}
	return true
}

func (n *Navigator) setRedirectHook(fn func(path string)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onRedirect = fn
}
