package httpapi

// Config defines development API server settings.
type Config struct {
	Addr            string
	SessionCookie   string
	SessionTTLHours int
	// SessionFile persists sessions across restarts; empty keeps them in memory.
	SessionFile string
	// SecureCookie marks the session cookie secure.
	SecureCookie bool
}
