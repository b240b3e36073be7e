package domain

import "time"

// PresenceStatus is the duty state a staff device reports.
type PresenceStatus string

const (
	PresenceOnline PresenceStatus = "ONLINE"
	PresenceBusy   PresenceStatus = "BUSY"
)

// Valid reports whether s is a known status.
func (s PresenceStatus) Valid() bool {
	return s == PresenceOnline || s == PresenceBusy
}

// Coordinates is a WGS84 position fix.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// PresenceRecord is the ephemeral on-duty entry of one staff identity inside
// a department zone. At most one live record exists per identity and department.
type PresenceRecord struct {
	Identity    string         `json:"identity"`
	Department  string         `json:"department"`
	Geohash     string         `json:"geohash"`
	DisplayName string         `json:"displayName"`
	Contact     string         `json:"contact,omitempty"`
	Coords      Coordinates    `json:"coords"`
	Status      PresenceStatus `json:"status"`
	LastSeen    time.Time      `json:"lastSeen"`
	// Session names the connection that wrote the record; empty for REST writes.
	Session string `json:"-"`
}

// ZoneEventKind describes a change observed on a zone bucket.
type ZoneEventKind string

const (
	ZoneEventAdded   ZoneEventKind = "added"
	ZoneEventUpdated ZoneEventKind = "updated"
	ZoneEventRemoved ZoneEventKind = "removed"
)

// ZoneEvent is pushed to zone watchers. Record is nil for removals.
type ZoneEvent struct {
	Kind       ZoneEventKind   `json:"kind"`
	Identity   string          `json:"identity"`
	Department string          `json:"department"`
	Geohash    string          `json:"geohash"`
	Record     *PresenceRecord `json:"record,omitempty"`
}
