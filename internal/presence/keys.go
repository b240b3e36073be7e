package presence

import (
	"errors"
	"math"
	"strings"

	"github.com/mmcloughlin/geohash"
)

// ZonePrecision is the geohash length used for zone buckets (~4.9km x 4.9km).
const ZonePrecision = 5

const geohashAlphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

var (
	ErrInvalidCoordinates = errors.New("coordinates out of range")
	ErrInvalidGeohash     = errors.New("invalid geohash")
	ErrInvalidSegment     = errors.New("empty path segment")
)

var (
	segmentEscaper   = strings.NewReplacer("%", "%25", "/", "%2F")
	segmentUnescaper = strings.NewReplacer("%2F", "/", "%25", "%")
)

// EncodeIdentity makes an identity safe to use as one key segment.
// Only '/' is disallowed in a segment; it becomes %2F and the escape
// character itself becomes %25, so the mapping is injective.
func EncodeIdentity(identity string) string {
	return segmentEscaper.Replace(identity)
}

// DecodeIdentity reverses EncodeIdentity.
func DecodeIdentity(key string) string {
	return segmentUnescaper.Replace(key)
}

// ZoneOf returns the zone geohash for a position fix.
func ZoneOf(lat, lng float64) (string, error) {
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return "", ErrInvalidCoordinates
	}
	return geohash.EncodeWithPrecision(lat, lng, ZonePrecision), nil
}

// ValidGeohash reports whether s is a zone geohash.
func ValidGeohash(s string) bool {
	if len(s) != ZonePrecision {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(geohashAlphabet, r) {
			return false
		}
	}
	return true
}

// Keys builds every Redis key the presence store touches. Nothing else in
// the service formats presence paths.
type Keys struct {
	Root string
}

// BucketPrefix is the common prefix of all buckets in a department.
func (k Keys) BucketPrefix(department string) string {
	return k.Root + "/" + EncodeIdentity(department) + "/"
}

// Bucket returns root/department/geohash, the zone index and its pub/sub channel.
func (k Keys) Bucket(department, gh string) string {
	return k.BucketPrefix(department) + gh
}

// Record returns root/department/geohash/identity.
func (k Keys) Record(department, gh, identity string) string {
	return k.Bucket(department, gh) + "/" + EncodeIdentity(identity)
}

// Owner points at the bucket currently holding an identity's record.
func (k Keys) Owner(department, identity string) string {
	return k.Root + ":owner:" + EncodeIdentity(department) + "/" + EncodeIdentity(identity)
}

// Buckets is the set of bucket keys that may hold entries.
func (k Keys) Buckets() string {
	return k.Root + ":buckets"
}

// ParseBucket splits a bucket key into department and geohash.
func (k Keys) ParseBucket(key string) (department, gh string, ok bool) {
	rest, found := strings.CutPrefix(key, k.Root+"/")
	if !found {
		return "", "", false
	}
	dept, gh, found := strings.Cut(rest, "/")
	if !found || dept == "" || strings.Contains(gh, "/") || !ValidGeohash(gh) {
		return "", "", false
	}
	return DecodeIdentity(dept), gh, true
}

func validSegment(s string) error {
	if strings.TrimSpace(s) == "" {
		return ErrInvalidSegment
	}
	return nil
}
