package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/dispatch/internal/domain"
	"github.com/fieldops/dispatch/internal/observability"
	"github.com/fieldops/dispatch/internal/presence"
	apperrors "github.com/fieldops/dispatch/pkg/errorutil"
)

// PresenceService runs the on-duty lifecycle of staff devices. Writes for
// one identity are serialized in-process; the store's lastSeen guard covers
// writers in other processes.
type PresenceService struct {
	store   presence.Store
	locks   *keyedMutex
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// ReportInput is one position fix from a staff device.
type ReportInput struct {
	Department  string
	Identity    string
	DisplayName string
	Contact     string
	Lat         float64
	Lng         float64
	Status      domain.PresenceStatus
	LastSeen    time.Time
	// Session stamps the record with the writing connection.
	Session string
}

// NewPresenceService creates the service.
func NewPresenceService(store presence.Store, metrics *observability.Metrics, logger *zap.Logger) *PresenceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceService{
		store:   store,
		locks:   newKeyedMutex(),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Report places the identity in the zone of its fix, leaving any previous zone.
func (s *PresenceService) Report(ctx context.Context, in ReportInput) (*domain.PresenceRecord, error) {
	dept := strings.TrimSpace(in.Department)
	identity := strings.TrimSpace(in.Identity)
	details := map[string]any{}
	if dept == "" {
		details["department"] = "required"
	}
	if identity == "" {
		details["identity"] = "required"
	}
	status := in.Status
	if status == "" {
		status = domain.PresenceOnline
	}
	if !status.Valid() {
		details["status"] = "must be ONLINE or BUSY"
	}
	gh, err := presence.ZoneOf(in.Lat, in.Lng)
	if err != nil {
		details["coords"] = err.Error()
	}
	if len(details) > 0 {
		return nil, apperrors.NewValidationError("invalid presence report", details)
	}

	now := s.now().UTC()
	seen := in.LastSeen.UTC()
	if seen.IsZero() || seen.After(now) {
		seen = now
	}
	displayName := strings.TrimSpace(in.DisplayName)
	if displayName == "" {
		displayName = identity
	}
	rec := domain.PresenceRecord{
		Identity:    identity,
		Department:  dept,
		Geohash:     gh,
		DisplayName: displayName,
		Contact:     in.Contact,
		Coords:      domain.Coordinates{Lat: in.Lat, Lng: in.Lng},
		Status:      status,
		LastSeen:    seen,
		Session:     in.Session,
	}

	unlock := s.locks.Lock(dept + "/" + identity)
	defer unlock()

	res, err := s.store.Upsert(ctx, rec)
	if errors.Is(err, presence.ErrStaleUpdate) {
		s.metrics.Inc(observability.CounterPresenceStale)
		return nil, apperrors.NewConflict("stale presence update", map[string]any{
			"identity": identity,
			"lastSeen": seen,
		})
	}
	if err != nil {
		return nil, s.storeError(err)
	}
	if res.Moved {
		s.logger.Debug("staff changed zone",
			zap.String("department", dept),
			zap.String("identity", identity),
			zap.String("from", res.Previous),
			zap.String("to", gh))
	}
	return &rec, nil
}

// Leave removes the identity's record. It reports whether a record existed.
func (s *PresenceService) Leave(ctx context.Context, department, identity string) (bool, error) {
	if strings.TrimSpace(department) == "" || strings.TrimSpace(identity) == "" {
		return false, apperrors.NewValidationError("department and identity required", nil)
	}
	unlock := s.locks.Lock(department + "/" + identity)
	defer unlock()

	removed, err := s.store.Remove(ctx, department, identity)
	if err != nil {
		return false, s.storeError(err)
	}
	return removed, nil
}

// LeaveSession removes the identity's record only if session wrote it last.
// Disconnect hooks use it so a stale connection cannot evict a newer one.
func (s *PresenceService) LeaveSession(ctx context.Context, department, identity, session string) (bool, error) {
	if strings.TrimSpace(department) == "" || strings.TrimSpace(identity) == "" || session == "" {
		return false, apperrors.NewValidationError("department, identity and session required", nil)
	}
	unlock := s.locks.Lock(department + "/" + identity)
	defer unlock()

	removed, err := s.store.RemoveIfOwner(ctx, department, identity, session)
	if err != nil {
		return false, s.storeError(err)
	}
	return removed, nil
}

// Zone returns the zone geohash for coordinates.
func (s *PresenceService) Zone(lat, lng float64) (string, error) {
	gh, err := presence.ZoneOf(lat, lng)
	if err != nil {
		return "", apperrors.NewValidationError("invalid coordinates", map[string]any{"lat": lat, "lng": lng})
	}
	return gh, nil
}

// Staff lists the live records of a zone.
func (s *PresenceService) Staff(ctx context.Context, department, gh string) ([]domain.PresenceRecord, error) {
	if !presence.ValidGeohash(gh) {
		return nil, apperrors.NewValidationError("invalid geohash", map[string]any{"geohash": gh})
	}
	recs, err := s.store.List(ctx, department, gh)
	if err != nil {
		return nil, s.storeError(err)
	}
	return recs, nil
}

// Watch subscribes to a zone and returns the records live at subscription
// time. Events racing the snapshot may repeat a listed record; consumers
// apply events as upserts keyed by identity.
func (s *PresenceService) Watch(ctx context.Context, department, gh string) ([]domain.PresenceRecord, <-chan domain.ZoneEvent, error) {
	if !presence.ValidGeohash(gh) {
		return nil, nil, apperrors.NewValidationError("invalid geohash", map[string]any{"geohash": gh})
	}
	events, err := s.store.Watch(ctx, department, gh)
	if err != nil {
		return nil, nil, s.storeError(err)
	}
	snapshot, err := s.store.List(ctx, department, gh)
	if err != nil {
		return nil, nil, s.storeError(err)
	}
	return snapshot, events, nil
}

// PickAssignee chooses who to dispatch within a zone: ONLINE before BUSY,
// then the freshest fix, then identity order.
func (s *PresenceService) PickAssignee(ctx context.Context, department, gh string) (*domain.PresenceRecord, error) {
	recs, err := s.Staff(ctx, department, gh)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, apperrors.NewNotFound("on-duty staff", map[string]any{"department": department, "geohash": gh})
	}
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Status != b.Status {
			return a.Status == domain.PresenceOnline
		}
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.After(b.LastSeen)
		}
		return a.Identity < b.Identity
	})
	return &recs[0], nil
}

func (s *PresenceService) storeError(err error) error {
	switch {
	case errors.Is(err, presence.ErrInvalidGeohash),
		errors.Is(err, presence.ErrInvalidSegment),
		errors.Is(err, presence.ErrInvalidCoordinates):
		return apperrors.NewValidationError(err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	s.logger.Warn("presence store error", zap.Error(err))
	return apperrors.NewUnavailable("presence store", err)
}

// keyedMutex hands out one mutex per key and forgets it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is held and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m := k.locks[key]
	if m == nil {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
