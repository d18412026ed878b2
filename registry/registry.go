// Package registry holds shared files in memory and expires them when their
// owning session stops sending heartbeats.
//
// The by-id store, the by-code index and the by-session index are three views
// of one state guarded by a single mutex; every operation mutates all three in
// one critical section. Expired objects are removed by two independent,
// idempotent triggers: Lookup deletes a stale object it finds, and Sweep
// deletes every stale object on a timer. Either may win; the other finds
// nothing left to do.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cppla/livedrop/models"
	"github.com/cppla/livedrop/utils"
)

var (
	ErrNotFound        = models.ErrNotFound
	ErrEmptyPayload    = fmt.Errorf("%w: empty payload", models.ErrValidation)
	ErrPayloadTooLarge = fmt.Errorf("%w: payload too large", models.ErrValidation)
	ErrMissingSession  = fmt.Errorf("%w: missing session id", models.ErrValidation)
	ErrSessionCapacity = fmt.Errorf("%w: too many concurrent sessions", models.ErrCapacityExhausted)
)

// LookupStatus tells a caller how a code lookup ended.
type LookupStatus int

const (
	NotFound LookupStatus = iota
	Found
	// ExpiredJustNow means the object was stale and this lookup deleted it.
	ExpiredJustNow
)

func (s LookupStatus) String() string {
	switch s {
	case Found:
		return "found"
	case ExpiredJustNow:
		return "expired"
	default:
		return "not_found"
	}
}

// Deletion reasons, used for metrics and logs.
const (
	reasonSweep    = "sweep"
	reasonLazy     = "lazy"
	reasonRemoved  = "removed"
	reasonTeardown = "teardown"
	reasonStale    = "stale"
)

// Options configures a Registry.
type Options struct {
	// SessionTimeout is how long an object survives without a heartbeat.
	SessionTimeout time.Duration
	// MaxSessions caps distinct live sessions; 0 means unlimited.
	MaxSessions int
	// MaxObjectSize caps a payload in bytes; 0 means unlimited.
	MaxObjectSize int64
	// MaxCodeAttempts bounds code collision retries.
	MaxCodeAttempts int
	// CodeSource draws candidate codes; nil uses utils.RandomCode.
	CodeSource func() (string, error)
	Now        func() time.Time
	Logger     *zap.Logger
}

// StoreRequest carries an upload that has already been read into memory.
type StoreRequest struct {
	FileName     string
	DeclaredName string
	MimeType     string
	Payload      []byte
	OwnerIP      string
	SessionID    string
}

// Registry is the in-memory object store. The zero value is not usable; call New.
type Registry struct {
	opts Options
	now  func() time.Time
	log  *zap.Logger

	mu         sync.RWMutex
	objects    map[string]*models.StoredObject
	byCode     map[string]string
	bySession  map[string]map[string]struct{}
	totalBytes int64
}

// New builds an empty Registry.
func New(opts Options) *Registry {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 30 * time.Second
	}
	if opts.MaxCodeAttempts <= 0 {
		opts.MaxCodeAttempts = utils.DefaultCodeAttempts
	}
	if opts.CodeSource == nil {
		opts.CodeSource = utils.RandomCode
	}
	r := &Registry{
		opts:      opts,
		now:       opts.Now,
		log:       opts.Logger,
		objects:   map[string]*models.StoredObject{},
		byCode:    map[string]string{},
		bySession: map[string]map[string]struct{}{},
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	return r
}

// SessionTimeout returns the staleness threshold.
func (r *Registry) SessionTimeout() time.Duration { return r.opts.SessionTimeout }

// Store registers a new object under a freshly allocated code. A new session
// is refused once MaxSessions sessions are live; a session that already owns
// a live object may always add more.
func (r *Registry) Store(req StoreRequest) (models.StoredObject, error) {
	if len(req.Payload) == 0 {
		return models.StoredObject{}, ErrEmptyPayload
	}
	if r.opts.MaxObjectSize > 0 && int64(len(req.Payload)) > r.opts.MaxObjectSize {
		return models.StoredObject{}, ErrPayloadTooLarge
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return models.StoredObject{}, ErrMissingSession
	}
	id := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if !r.sessionLiveLocked(sessionID, now) && r.opts.MaxSessions > 0 && len(r.bySession) >= r.opts.MaxSessions {
		// stale sessions may still be indexed; purge them before refusing
		r.purgeStaleLocked(now, reasonSweep)
		if len(r.bySession) >= r.opts.MaxSessions {
			storeRejected.WithLabelValues("sessions").Inc()
			return models.StoredObject{}, ErrSessionCapacity
		}
	}

	// generation and reservation happen under the same lock
	code, err := utils.GenerateCode(r.opts.CodeSource, r.codeTakenLocked, r.opts.MaxCodeAttempts)
	if err != nil {
		storeRejected.WithLabelValues("codes").Inc()
		r.log.Warn("code allocation failed", zap.Error(err), zap.Int("live_codes", len(r.byCode)))
		return models.StoredObject{}, err
	}

	obj := &models.StoredObject{
		ID:              id,
		Code:            code,
		Payload:         req.Payload,
		FileName:        req.FileName,
		DeclaredName:    req.DeclaredName,
		MimeType:        req.MimeType,
		CreatedAt:       now,
		LastHeartbeatAt: now,
		OwnerIP:         req.OwnerIP,
		SessionID:       sessionID,
	}
	r.objects[id] = obj
	r.byCode[code] = id
	owned, ok := r.bySession[sessionID]
	if !ok {
		owned = map[string]struct{}{}
		r.bySession[sessionID] = owned
	}
	owned[id] = struct{}{}
	r.totalBytes += obj.Size()

	objectsStored.Inc()
	r.publishGaugesLocked()
	r.log.Info("object stored",
		zap.String("id", id),
		zap.String("code", code),
		zap.String("session", sessionID),
		zap.Int64("bytes", obj.Size()),
	)
	return *obj, nil
}

// Lookup finds the live object for code. Input is trimmed and case-folded.
// A stale object is deleted on the spot and reported as ExpiredJustNow.
func (r *Registry) Lookup(code string) (models.StoredObject, LookupStatus) {
	code = utils.NormalizeCode(code)
	if !utils.IsCode(code) {
		return models.StoredObject{}, NotFound
	}

	r.mu.RLock()
	obj, ok := r.objectByCodeLocked(code)
	var snapshot models.StoredObject
	stale := false
	if ok {
		snapshot = *obj
		stale = r.staleLocked(obj, r.now())
	}
	r.mu.RUnlock()

	if !ok {
		return models.StoredObject{}, NotFound
	}
	if !stale {
		return snapshot, Found
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// state may have moved while the lock was released
	obj, ok = r.objectByCodeLocked(code)
	if !ok {
		return models.StoredObject{}, NotFound
	}
	if !r.staleLocked(obj, r.now()) {
		return *obj, Found
	}
	r.deleteLocked(obj.ID, reasonLazy)
	r.publishGaugesLocked()
	return models.StoredObject{}, ExpiredJustNow
}

// Resolve is Lookup collapsed to an error: expired and unknown codes are both
// ErrNotFound so callers cannot tell whether a code ever existed.
func (r *Registry) Resolve(code string) (models.StoredObject, error) {
	obj, status := r.Lookup(code)
	if status != Found {
		return models.StoredObject{}, ErrNotFound
	}
	return obj, nil
}

// Heartbeat refreshes every live object of the session and reports whether
// any was refreshed. Objects already past the timeout are deleted instead of
// revived, so false means the session has nothing left.
func (r *Registry) Heartbeat(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	owned := r.bySession[sessionID]
	if len(owned) == 0 {
		heartbeats.WithLabelValues("unknown").Inc()
		return false
	}
	now := r.now()
	refreshed := 0
	for _, id := range idsOf(owned) {
		obj := r.objects[id]
		if r.staleLocked(obj, now) {
			r.deleteLocked(id, reasonStale)
			continue
		}
		obj.LastHeartbeatAt = now
		refreshed++
	}
	r.publishGaugesLocked()
	if refreshed == 0 {
		heartbeats.WithLabelValues("expired").Inc()
		return false
	}
	heartbeats.WithLabelValues("alive").Inc()
	return true
}

// RemoveObject deletes one object by id.
func (r *Registry) RemoveObject(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.objects[id]; !ok {
		return false
	}
	r.deleteLocked(id, reasonRemoved)
	r.publishGaugesLocked()
	return true
}

// RemoveSessionObject deletes id only if sessionID owns it.
func (r *Registry) RemoveSessionObject(sessionID, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[id]
	if !ok || obj.SessionID != sessionID {
		return false
	}
	r.deleteLocked(id, reasonRemoved)
	r.publishGaugesLocked()
	return true
}

// RemoveSession deletes every object of the session and returns how many.
func (r *Registry) RemoveSession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned := r.bySession[sessionID]
	if len(owned) == 0 {
		return 0
	}
	// deleteLocked shrinks owned, so walk a copy
	ids := idsOf(owned)
	for _, id := range ids {
		r.deleteLocked(id, reasonTeardown)
	}
	r.publishGaugesLocked()
	r.log.Info("session torn down", zap.String("session", sessionID), zap.Int("objects", len(ids)))
	return len(ids)
}

// SessionObjects returns copies of the session's live objects, oldest first.
func (r *Registry) SessionObjects(sessionID string) []models.StoredObject {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	out := make([]models.StoredObject, 0, len(r.bySession[sessionID]))
	for id := range r.bySession[sessionID] {
		obj := r.objects[id]
		if r.staleLocked(obj, now) {
			continue
		}
		out = append(out, *obj)
	}
	sortByCreated(out)
	return out
}

// Sweep deletes every stale object and returns how many it removed.
// Candidates are collected under a read lock and re-checked under the write
// lock, so a heartbeat that lands in between keeps its object.
func (r *Registry) Sweep() int {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	r.mu.RLock()
	now := r.now()
	var candidates []string
	for id, obj := range r.objects {
		if r.staleLocked(obj, now) {
			candidates = append(candidates, id)
		}
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now = r.now()
	removed := 0
	for _, id := range candidates {
		obj, ok := r.objects[id]
		if !ok || !r.staleLocked(obj, now) {
			continue
		}
		r.deleteLocked(id, reasonSweep)
		removed++
	}
	r.publishGaugesLocked()
	if removed > 0 {
		r.log.Info("sweep removed stale objects", zap.Int("removed", removed))
	}
	return removed
}

// Stats returns object, session and byte counts.
func (r *Registry) Stats() models.RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return models.RegistryStats{
		ObjectCount:  len(r.objects),
		SessionCount: len(r.bySession),
		TotalBytes:   r.totalBytes,
	}
}

func (r *Registry) codeTakenLocked(code string) bool {
	_, ok := r.byCode[code]
	return ok
}

func (r *Registry) objectByCodeLocked(code string) (*models.StoredObject, bool) {
	id, ok := r.byCode[code]
	if !ok {
		return nil, false
	}
	obj, ok := r.objects[id]
	return obj, ok
}

func (r *Registry) staleLocked(obj *models.StoredObject, now time.Time) bool {
	return now.Sub(obj.LastHeartbeatAt) > r.opts.SessionTimeout
}

func (r *Registry) sessionLiveLocked(sessionID string, now time.Time) bool {
	for id := range r.bySession[sessionID] {
		if !r.staleLocked(r.objects[id], now) {
			return true
		}
	}
	return false
}

func (r *Registry) purgeStaleLocked(now time.Time, reason string) int {
	removed := 0
	for id, obj := range r.objects {
		if r.staleLocked(obj, now) {
			r.deleteLocked(id, reason)
			removed++
		}
	}
	return removed
}

// deleteLocked drops id from every index before releasing the payload.
func (r *Registry) deleteLocked(id, reason string) {
	obj, ok := r.objects[id]
	if !ok {
		return
	}
	if r.byCode[obj.Code] == id {
		delete(r.byCode, obj.Code)
	}
	if owned, ok := r.bySession[obj.SessionID]; ok {
		delete(owned, id)
		if len(owned) == 0 {
			delete(r.bySession, obj.SessionID)
		}
	}
	delete(r.objects, id)
	r.totalBytes -= obj.Size()
	obj.Payload = nil

	objectsDeleted.WithLabelValues(reason).Inc()
	r.log.Debug("object deleted", zap.String("id", id), zap.String("code", obj.Code), zap.String("reason", reason))
}

func (r *Registry) publishGaugesLocked() {
	objectsGauge.Set(float64(len(r.objects)))
	sessionsGauge.Set(float64(len(r.bySession)))
	bytesGauge.Set(float64(r.totalBytes))
}

func idsOf(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}
