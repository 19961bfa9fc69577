package schema

import "strings"

// Appearance is the host light/dark preference.
type Appearance string

const (
	AppearanceLight Appearance = "light"
	AppearanceDark  Appearance = "dark"
)

// ParseAppearance normalizes an appearance value.
func ParseAppearance(value string) (Appearance, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "light", "day":
		return AppearanceLight, true
	case "dark", "night":
		return AppearanceDark, true
	default:
		return "", false
	}
}

// ThemeName identifies a UI theme.
type ThemeName string

// DefaultTheme is the default UI theme name.
const DefaultTheme ThemeName = "harbor"

var themeNames = []ThemeName{
	"harbor",
	"midnight",
}

// AvailableThemes returns the supported theme names.
func AvailableThemes() []ThemeName {
	out := make([]ThemeName, len(themeNames))
	copy(out, themeNames)
	return out
}

// ThemeFor returns the theme that follows an appearance.
func ThemeFor(appearance Appearance) ThemeName {
	if appearance == AppearanceDark {
		return "midnight"
	}
	return DefaultTheme
}

// NormalizeThemeName returns a canonical theme name if supported.
func NormalizeThemeName(name string) (ThemeName, bool) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	switch normalized {
	case "harbor", "light":
		return "harbor", true
	case "midnight", "dark":
		return "midnight", true
	default:
		return "", false
	}
}
