package dto

import (
	"time"

	"github.com/fieldops/dispatch/internal/domain"
)

// ReportRequest is one position fix, sent over REST or as a websocket frame.
type ReportRequest struct {
	Lat         float64    `json:"lat"`
	Lng         float64    `json:"lng"`
	Status      string     `json:"status"`
	DisplayName string     `json:"displayName"`
	Contact     string     `json:"contact"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

// ZoneResponse names the zone bucket for coordinates.
type ZoneResponse struct {
	Department string  `json:"department"`
	Geohash    string  `json:"geohash"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
}

// LeaveResponse reports whether a live record was removed.
type LeaveResponse struct {
	Removed bool `json:"removed"`
}

// ZoneSnapshot is the first frame of a zone watch stream.
type ZoneSnapshot struct {
	Kind    string                  `json:"kind"`
	Records []domain.PresenceRecord `json:"records"`
}
