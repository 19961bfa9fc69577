// Package ui renders the root presentation switch.
package ui

import "pkt.systems/marina/schema"

// Screen is the top-level screen the application shows.
type Screen int

const (
	// ScreenLoading blocks interaction while an attempt is in flight.
	ScreenLoading Screen = iota
	// ScreenMain is the signed-in tab navigator.
	ScreenMain
	// ScreenRegistration completes a signed-in profile.
	ScreenRegistration
	// ScreenPublic is the signed-out navigator.
	ScreenPublic
	// ScreenError offers a retry.
	ScreenError
)

func (s Screen) String() string {
	switch s {
	case ScreenLoading:
		return "loading"
	case ScreenMain:
		return "main"
	case ScreenRegistration:
		return "registration"
	case ScreenPublic:
		return "public"
	case ScreenError:
		return "error"
	default:
		return "unknown"
	}
}

// ScreenFor maps the UI status and session record to a screen. The mapping
// depends on nothing else.
func ScreenFor(status schema.UIStatus, record schema.Record) Screen {
	switch status {
	case schema.StatusSuccess:
		if !record.Authenticated || record.Profile == nil {
			return ScreenPublic
		}
		if !record.Profile.Complete() {
			return ScreenRegistration
		}
		return ScreenMain
	case schema.StatusError:
		return ScreenError
	default:
		return ScreenLoading
	}
}
