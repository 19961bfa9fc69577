package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CookieValue is the persisted payload of one cookie.
type CookieValue struct {
	Value string `json:"value"`
}

// CookieMap maps cookie names to their persisted values. It is stored under
// the "cookie" key on platforms with a credential bridge.
type CookieMap map[string]CookieValue

// Credential is a single entry synchronized into the platform cookie store.
type Credential struct {
	Name     string
	Value    string
	Path     string
	Secure   bool
	HTTPOnly bool
}

// Credentials returns the bridge entries for the map, sorted by name.
func (m CookieMap) Credentials() []Credential {
	names := make([]string, 0, len(m))
	for name := range m {
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Credential, 0, len(names))
	for _, name := range names {
		out = append(out, Credential{
			Name:     name,
			Value:    m[name].Value,
			Path:     "/",
			Secure:   true,
			HTTPOnly: false,
		})
	}
	return out
}

// EncodeCookies serializes the cookie map for the persisted "cookie" key.
func EncodeCookies(m CookieMap) ([]byte, error) {
	if m == nil {
		m = CookieMap{}
	}
	return json.Marshal(m)
}

// DecodeCookies parses a persisted cookie map.
func DecodeCookies(data []byte) (CookieMap, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return CookieMap{}, nil
	}
	var m CookieMap
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCookiesCorrupt, err)
	}
	if m == nil {
		m = CookieMap{}
	}
	return m, nil
}
