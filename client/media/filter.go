package media

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultScreenshotPatterns match the places Android, iOS exports and desktop tools put screenshots.
var DefaultScreenshotPatterns = []string{
	"**/screenshots/**",
	"**/screenshot*",
	"**/screen shot *",
	"**/screen_shot*",
	"**/scr_*",
}

// GlobFilter matches relative paths against a set of case-insensitive doublestar patterns.
type GlobFilter struct {
	normalizedPatterns []string
}

func NewGlobFilter(patterns ...string) *GlobFilter {
	f := &GlobFilter{}
	for _, p := range patterns {
		if p == "" || !doublestar.ValidatePattern(strings.ToLower(p)) {
			continue
		}
		f.normalizedPatterns = append(f.normalizedPatterns, strings.ToLower(p))
	}
	return f
}

// Matches reports whether relativePath (forward slashes) matches any pattern.
func (f *GlobFilter) Matches(relativePath string) bool {
	normalizedPath := strings.ToLower(relativePath)
	for _, p := range f.normalizedPatterns {
		if matched, err := doublestar.Match(p, normalizedPath); err == nil && matched {
			return true
		}
	}
	return false
}
