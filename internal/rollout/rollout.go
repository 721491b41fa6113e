// Package rollout routes organizations between the new extraction pipeline
// and the legacy path through percentage phases, and rolls back automatically
// when an active phase breaches its targets.
package rollout

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ridgeline/callsift/internal/monitor"
)

// PhaseStatus is the lifecycle state of a rollout phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseActive     PhaseStatus = "active"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseRolledBack PhaseStatus = "rolled_back"
)

// Criteria restrict which organizations a phase admits beyond the
// percentage band.
type Criteria struct {
	AllowOrgs     []string `json:"allow_orgs,omitempty"`
	DenyOrgs      []string `json:"deny_orgs,omitempty"`
	MinCallVolume int      `json:"min_call_volume,omitempty"`
	Region        string   `json:"region,omitempty"`
}

// Features select pipeline behavior for calls admitted by the phase.
type Features struct {
	EnabledUnits    []string `json:"enabled_units,omitempty"`
	DisabledUnits   []string `json:"disabled_units,omitempty"`
	ComparisonMode  bool     `json:"comparison_mode"`
	FallbackEnabled bool     `json:"fallback_enabled"`
}

// Targets are the quality bars an active phase must hold. Missing a target
// is a warning; only the critical bounds trigger an automatic rollback.
// When a critical bound is zero, the monitor's thresholds apply.
type Targets struct {
	MinSuccessRate      float64 `json:"min_success_rate"`
	MaxP95LatencyMs     float64 `json:"max_p95_latency_ms"`
	MaxErrorRate        float64 `json:"max_error_rate"`
	CriticalErrorRate   float64 `json:"critical_error_rate,omitempty"`
	CriticalSuccessRate float64 `json:"critical_success_rate,omitempty"`
}

// Phase is one step of the gradual rollout.
type Phase struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Percentage  int         `json:"percentage"` // 0..100
	Criteria    Criteria    `json:"criteria"`
	Features    Features    `json:"features"`
	Targets     Targets     `json:"targets"`
	Status      PhaseStatus `json:"status"`
	ActivatedAt *time.Time  `json:"activated_at,omitempty"`
	EndedAt     *time.Time  `json:"ended_at,omitempty"`
}

// Decision is the routing verdict for one call. Unit lists are copied from
// the admitting phase's features so the pipeline can honor them per call.
type Decision struct {
	UseNew        bool     `json:"use_new"`
	Comparison    bool     `json:"comparison"`
	Fallback      bool     `json:"fallback"`
	PhaseID       string   `json:"phase_id,omitempty"`
	Reason        string   `json:"reason"`
	EnabledUnits  []string `json:"enabled_units,omitempty"`
	DisabledUnits []string `json:"disabled_units,omitempty"`
}

// Override is the emergency routing override. Force modes bypass the
// percentage band entirely.
type Override string

const (
	OverrideOff         Override = "off"
	OverrideForceNew    Override = "force_new"
	OverrideForceLegacy Override = "force_legacy"
)

// VolumeSource reports how many distinct calls an organization processed
// since a point in time. The production source is the store.
type VolumeSource interface {
	OrgCallVolume(ctx context.Context, orgID string, since time.Time) (int, error)
}

// volumeWindow is the lookback for the minimum-call-volume gate.
const volumeWindow = 30 * 24 * time.Hour

// AuditSink receives rollout lifecycle events. The production sink is a
// redis stream; tests substitute an in-memory recorder.
type AuditSink interface {
	Emit(ctx context.Context, event Event) error
}

// Event is one audit entry.
type Event struct {
	Type    string    `json:"type"`
	PhaseID string    `json:"phase_id,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Persister saves phase state so the rollout survives restarts.
type Persister interface {
	SaveRolloutPhase(ctx context.Context, p Phase) error
}

// Controller owns the phase set and the routing decision. At most one phase
// is active at a time.
type Controller struct {
	mu       sync.Mutex
	phases   map[string]*Phase
	order    []string
	activeID string
	override Override
	interval time.Duration

	monitor   *monitor.Monitor
	audit     AuditSink
	persister Persister
	volumes   VolumeSource
	logger    *zap.Logger
}

// New creates a rollout controller. The audit sink may be nil.
func New(mon *monitor.Monitor, audit AuditSink, interval time.Duration, logger *zap.Logger) *Controller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Controller{
		phases:   make(map[string]*Phase),
		override: OverrideOff,
		interval: interval,
		monitor:  mon,
		audit:    audit,
		logger:   logger,
	}
}

// RegisterPhase adds a pending phase. IDs are unique; percentages are
// clamped to 0..100.
func (c *Controller) RegisterPhase(ctx context.Context, p Phase) error {
	if p.ID == "" {
		return fmt.Errorf("register phase: empty id")
	}
	if p.Percentage < 0 || p.Percentage > 100 {
		return fmt.Errorf("register phase %s: percentage %d out of range", p.ID, p.Percentage)
	}

	c.mu.Lock()
	if _, exists := c.phases[p.ID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("register phase %s: already registered", p.ID)
	}
	if p.Status == "" {
		p.Status = PhasePending
	}
	c.phases[p.ID] = &p
	c.order = append(c.order, p.ID)
	c.mu.Unlock()

	c.emit(ctx, Event{Type: "phase_registered", PhaseID: p.ID})
	c.persist(ctx, p.ID)
	return nil
}

// SetPersister installs an optional phase persister.
func (c *Controller) SetPersister(p Persister) {
	c.mu.Lock()
	c.persister = p
	c.mu.Unlock()
}

// SetVolumeSource installs the call-volume source for the MinCallVolume
// criterion. Without one, volume-gated phases admit nobody by the band.
func (c *Controller) SetVolumeSource(v VolumeSource) {
	c.mu.Lock()
	c.volumes = v
	c.mu.Unlock()
}

// ActivatePhase makes the given phase active, completing the previously
// active phase if any. Rolled-back phases cannot be reactivated.
func (c *Controller) ActivatePhase(ctx context.Context, id string) error {
	c.mu.Lock()
	p, ok := c.phases[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("activate phase %s: not registered", id)
	}
	if p.Status == PhaseRolledBack {
		c.mu.Unlock()
		return fmt.Errorf("activate phase %s: phase was rolled back", id)
	}

	var completed string
	if c.activeID != "" && c.activeID != id {
		prev := c.phases[c.activeID]
		now := time.Now()
		prev.Status = PhaseCompleted
		prev.EndedAt = &now
		completed = prev.ID
	}

	now := time.Now()
	p.Status = PhaseActive
	p.ActivatedAt = &now
	p.EndedAt = nil
	c.activeID = id
	c.mu.Unlock()

	if completed != "" {
		c.emit(ctx, Event{Type: "phase_completed", PhaseID: completed})
		c.persist(ctx, completed)
	}
	c.emit(ctx, Event{Type: "phase_activated", PhaseID: id})
	c.persist(ctx, id)
	c.logger.Info("rollout phase activated", zap.String("phase", id))
	return nil
}

// Rollback marks the phase rolled back and routes all traffic to legacy.
func (c *Controller) Rollback(ctx context.Context, id, reason string) error {
	c.mu.Lock()
	p, ok := c.phases[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("rollback phase %s: not registered", id)
	}
	now := time.Now()
	p.Status = PhaseRolledBack
	p.Percentage = 0
	p.EndedAt = &now
	if c.activeID == id {
		c.activeID = ""
	}
	c.mu.Unlock()

	c.emit(ctx, Event{Type: "phase_rolled_back", PhaseID: id, Reason: reason})
	c.persist(ctx, id)
	c.logger.Warn("rollout phase rolled back", zap.String("phase", id), zap.String("reason", reason))
	return nil
}

// SetOverride sets the emergency override. force_legacy routes every call
// to legacy; force_new routes every call to the new pipeline irrespective of
// the percentage band; off restores phase routing.
func (c *Controller) SetOverride(ctx context.Context, mode Override, reason string) error {
	switch mode {
	case OverrideOff, OverrideForceNew, OverrideForceLegacy:
	default:
		return fmt.Errorf("set override: unknown mode %q", mode)
	}

	c.mu.Lock()
	c.override = mode
	c.mu.Unlock()

	typ := "override_set"
	if mode == OverrideOff {
		typ = "override_cleared"
	}
	c.emit(ctx, Event{Type: typ, Reason: string(mode) + ": " + reason})
	c.logger.Warn("rollout override changed", zap.String("mode", string(mode)), zap.String("reason", reason))
	return nil
}

// Decide returns the routing decision for one organization. The same org
// always lands in the same percentage band. Deny lists beat allow lists;
// allow-listed orgs skip the volume, region, and band gates.
func (c *Controller) Decide(ctx context.Context, orgID, region string) Decision {
	c.mu.Lock()
	override := c.override
	volumes := c.volumes
	var p Phase
	active := c.activeID != ""
	if active {
		p = *c.phases[c.activeID]
	}
	c.mu.Unlock()

	if override == OverrideForceLegacy {
		return Decision{Reason: "override forces legacy path"}
	}
	if override == OverrideForceNew {
		if active {
			return admit(&p, "override forces new pipeline")
		}
		return Decision{UseNew: true, Fallback: true, Reason: "override forces new pipeline"}
	}
	if !active {
		return Decision{Reason: "no active phase"}
	}

	for _, denied := range p.Criteria.DenyOrgs {
		if denied == orgID {
			return Decision{PhaseID: p.ID, Reason: "org on deny list"}
		}
	}
	for _, allowed := range p.Criteria.AllowOrgs {
		if allowed == orgID {
			return admit(&p, "org on allow list")
		}
	}

	if p.Criteria.Region != "" && region != p.Criteria.Region {
		return Decision{PhaseID: p.ID, Reason: fmt.Sprintf("org outside phase region %s", p.Criteria.Region)}
	}

	if p.Criteria.MinCallVolume > 0 {
		if volumes == nil {
			return Decision{PhaseID: p.ID, Reason: "call volume unknown, volume gate unmet"}
		}
		n, err := volumes.OrgCallVolume(ctx, orgID, time.Now().Add(-volumeWindow))
		if err != nil {
			c.logger.Warn("call volume lookup failed", zap.String("org", orgID), zap.Error(err))
			return Decision{PhaseID: p.ID, Reason: "call volume lookup failed"}
		}
		if n < p.Criteria.MinCallVolume {
			return Decision{PhaseID: p.ID, Reason: fmt.Sprintf("org volume %d below minimum %d", n, p.Criteria.MinCallVolume)}
		}
	}

	band := orgBand(orgID)
	if band > p.Percentage {
		return Decision{PhaseID: p.ID, Reason: fmt.Sprintf("org band %d outside %d%%", band, p.Percentage)}
	}
	return admit(&p, fmt.Sprintf("org band %d within %d%%", band, p.Percentage))
}

func admit(p *Phase, reason string) Decision {
	return Decision{
		UseNew:        true,
		Comparison:    p.Features.ComparisonMode,
		Fallback:      p.Features.FallbackEnabled,
		PhaseID:       p.ID,
		Reason:        reason,
		EnabledUnits:  p.Features.EnabledUnits,
		DisabledUnits: p.Features.DisabledUnits,
	}
}

// Phases returns copies of all registered phases in registration order.
func (c *Controller) Phases() []Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Phase, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.phases[id])
	}
	return out
}

// ActivePhase returns a copy of the active phase, if any.
func (c *Controller) ActivePhase() (Phase, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeID == "" {
		return Phase{}, false
	}
	return *c.phases[c.activeID], true
}

// Overridden returns the current emergency override mode.
func (c *Controller) Overridden() Override {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.override
}

// Start runs the monitoring loop until the context is cancelled. Each tick
// checks the active phase against its targets and rolls back on breach.
func (c *Controller) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckTargets(ctx)
		}
	}
}

// CheckTargets evaluates the active phase once. Missed targets are logged
// as warnings; an automatic rollback fires only when the error rate or the
// success rate crosses the critical bound. Latency alone never rolls back.
// Exposed so the admin API can force a check.
func (c *Controller) CheckTargets(ctx context.Context) {
	p, ok := c.ActivePhase()
	if !ok {
		return
	}
	sys := c.monitor.SystemStats()
	if sys.Count == 0 {
		return
	}
	successRate := 1 - sys.ErrorRate

	if p.Targets.MaxErrorRate > 0 && sys.ErrorRate > p.Targets.MaxErrorRate {
		c.logger.Warn("rollout target missed",
			zap.String("phase", p.ID),
			zap.String("target", "max_error_rate"),
			zap.Float64("observed", sys.ErrorRate),
			zap.Float64("target_value", p.Targets.MaxErrorRate))
	}
	if p.Targets.MinSuccessRate > 0 && successRate < p.Targets.MinSuccessRate {
		c.logger.Warn("rollout target missed",
			zap.String("phase", p.ID),
			zap.String("target", "min_success_rate"),
			zap.Float64("observed", successRate),
			zap.Float64("target_value", p.Targets.MinSuccessRate))
	}
	if p.Targets.MaxP95LatencyMs > 0 && sys.P95LatencyMs > p.Targets.MaxP95LatencyMs {
		c.logger.Warn("rollout target missed",
			zap.String("phase", p.ID),
			zap.String("target", "max_p95_latency_ms"),
			zap.Float64("observed", sys.P95LatencyMs),
			zap.Float64("target_value", p.Targets.MaxP95LatencyMs))
	}

	critErr := p.Targets.CriticalErrorRate
	if critErr == 0 {
		critErr = c.monitor.Thresholds().CriticalErrorRate
	}
	critSuccess := p.Targets.CriticalSuccessRate
	if critSuccess == 0 {
		critSuccess = c.monitor.Thresholds().LowSuccessRate
	}

	var reason string
	switch {
	case critErr > 0 && sys.ErrorRate >= critErr:
		reason = fmt.Sprintf("error rate %.3f at or above critical %.3f", sys.ErrorRate, critErr)
	case critSuccess > 0 && successRate < critSuccess:
		reason = fmt.Sprintf("success rate %.3f below critical %.3f", successRate, critSuccess)
	}
	if reason == "" {
		return
	}
	if err := c.Rollback(ctx, p.ID, reason); err != nil {
		c.logger.Error("automatic rollback failed", zap.String("phase", p.ID), zap.Error(err))
	}
}

func (c *Controller) persist(ctx context.Context, id string) {
	c.mu.Lock()
	persister := c.persister
	var snap Phase
	if p, ok := c.phases[id]; ok {
		snap = *p
	}
	c.mu.Unlock()

	if persister == nil || snap.ID == "" {
		return
	}
	if err := persister.SaveRolloutPhase(ctx, snap); err != nil {
		c.logger.Warn("persist rollout phase failed", zap.String("phase", id), zap.Error(err))
	}
}

func (c *Controller) emit(ctx context.Context, e Event) {
	if c.audit == nil {
		return
	}
	e.At = time.Now()
	if err := c.audit.Emit(ctx, e); err != nil {
		c.logger.Warn("audit emit failed", zap.String("type", e.Type), zap.Error(err))
	}
}

// orgBand maps an organization to a stable band in 1..100.
func orgBand(orgID string) int {
	h := fnv.New32a()
	h.Write([]byte(orgID))
	return int(h.Sum32()%100) + 1
}
