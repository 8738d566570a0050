package locale

import "strings"

// Default is used when the active path carries no known locale
const Default = "en"

var supported = []string{"en", "hi", "cg"}

// Supported reports whether code is a known locale
func Supported(code string) bool {
	for _, s := range supported {
		if s == code {
			return true
		}
	}
	return false
}

// All returns the known locales
func All() []string {
	out := make([]string, len(supported))
	copy(out, supported)
	return out
}

// FromPath returns the locale in the first segment of path, or Default
func FromPath(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	first, _, _ := strings.Cut(trimmed, "/")
	if Supported(first) {
		return first
	}
	return Default
}

// LoginPath returns the login entry point for the locale active in path
func LoginPath(currentPath string) string {
	return "/" + FromPath(currentPath) + "/login"
}
