package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Profile is the signed-in user's profile as returned by the marina API.
type Profile struct {
	ID    int64  `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Complete reports whether registration fields are filled in.
func (p Profile) Complete() bool {
	return strings.TrimSpace(p.Name) != "" && strings.TrimSpace(p.Phone) != ""
}

// Record is the authoritative in-memory session. The zero value is the
// logged-out record.
type Record struct {
	Profile       *Profile `json:"profile"`
	Authenticated bool     `json:"authenticated"`
}

// LoggedOut returns the canonical logged-out record.
func LoggedOut() Record {
	return Record{}
}

// AuthenticatedRecord returns a record for a fetched profile.
func AuthenticatedRecord(profile Profile) Record {
	p := profile
	return Record{Profile: &p, Authenticated: true}
}

// IsLoggedOut reports whether the record carries no session.
func (r Record) IsLoggedOut() bool {
	return r.Profile == nil && !r.Authenticated
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r.Profile == nil {
		return r
	}
	p := *r.Profile
	return Record{Profile: &p, Authenticated: r.Authenticated}
}

// Equal reports whether two records hold the same session.
func (r Record) Equal(other Record) bool {
	if r.Authenticated != other.Authenticated {
		return false
	}
	if r.Profile == nil || other.Profile == nil {
		return r.Profile == nil && other.Profile == nil
	}
	return *r.Profile == *other.Profile
}

// EncodeRecord serializes a record for the persisted "data" key.
func EncodeRecord(r Record) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecord parses a persisted record. Both the nested form
// {"profile": {...}, "authenticated": true} and the flat form with profile
// fields next to "authenticated" are accepted.
func DecodeRecord(data []byte) (Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Record{}, fmt.Errorf("%w: empty record", ErrRecordCorrupt)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrRecordCorrupt, err)
	}
	if fields == nil {
		return Record{}, fmt.Errorf("%w: null record", ErrRecordCorrupt)
	}
	var record Record
	if raw, ok := fields["authenticated"]; ok {
		if err := json.Unmarshal(raw, &record.Authenticated); err != nil {
			return Record{}, fmt.Errorf("%w: authenticated: %v", ErrRecordCorrupt, err)
		}
	}
	if raw, ok := fields["profile"]; ok {
		if err := json.Unmarshal(raw, &record.Profile); err != nil {
			return Record{}, fmt.Errorf("%w: profile: %v", ErrRecordCorrupt, err)
		}
		return record, nil
	}
	delete(fields, "authenticated")
	if len(fields) == 0 {
		return record, nil
	}
	var profile Profile
	if err := json.Unmarshal(trimmed, &profile); err != nil {
		return Record{}, fmt.Errorf("%w: profile: %v", ErrRecordCorrupt, err)
	}
	record.Profile = &profile
	return record, nil
}
