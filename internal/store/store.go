// Package store owns the authoritative in-memory map of report instances
// and all traffic to the remote report backend. Execution results are
// deliberately not cached here: they are ephemeral and owned by whichever
// controller requested them.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/reportdeck/report-engine/internal/report"
)

var (
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "report_engine_executions_total",
		Help: "Report executions by outcome.",
	}, []string{"outcome"})

	executionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "report_engine_execution_duration_seconds",
		Help:    "Report execution round-trip duration.",
		Buckets: prometheus.DefBuckets,
	})
)

// API is the slice of the backend client the store consumes.
type API interface {
	ListInstances(ctx context.Context) ([]report.InstanceWire, error)
	GetInstance(ctx context.Context, id int64) (*report.InstanceWire, error)
	CreateInstance(ctx context.Context, reportID, dashboardID int64, name string, params []*report.QueryParam) (int64, error)
	CreateDrillDown(ctx context.Context, reportID, parentInstanceID int64, params []*report.QueryParam) (int64, error)
	UpdateInstance(ctx context.Context, id int64, name, config string) error
	DeleteInstance(ctx context.Context, id int64) error
	Execute(ctx context.Context, id int64, params report.ResolvedExecParams) (*report.ExecutionResultWire, error)
	FilterOptions(ctx context.Context, id, filterID int64) (*report.ExecutionResult, error)
	Export(ctx context.Context, id int64, format report.ExportFormat, params report.ResolvedExecParams) ([]byte, error)
	EmbedHash(ctx context.Context, id int64) (string, error)
}

// InstanceStore caches report instances keyed by id, populating them from
// the backend on first use.
type InstanceStore struct {
	api     API
	adapter report.ElasticAdapter
	logger  *zap.Logger

	mu          sync.RWMutex
	instances   map[int64]*report.Instance
	initialized bool

	group singleflight.Group

	// Single-slot filter-options cache, keyed by instance id only. A lookup
	// for a different filter of the same instance returns the previous
	// payload; only a different instance id forces a refetch.
	filterOptionsID int64
	filterOptions   *report.ExecutionResult
}

// New creates an instance store. adapter may be nil when no
// Elasticsearch-backed definitions exist.
func New(api API, adapter report.ElasticAdapter, logger *zap.Logger) *InstanceStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstanceStore{
		api:       api,
		adapter:   adapter,
		logger:    logger,
		instances: make(map[int64]*report.Instance),
	}
}

// Instances returns the id→instance map, fetching it on first use.
// Concurrent callers during the initial fetch share one network round trip;
// at most one list request is ever outstanding.
func (s *InstanceStore) Instances(ctx context.Context) (map[int64]*report.Instance, error) {
	s.mu.RLock()
	if s.initialized {
		defer s.mu.RUnlock()
		return s.instances, nil
	}
	s.mu.RUnlock()

	_, err, _ := s.group.Do("fetch-all", func() (any, error) {
		wires, err := s.api.ListInstances(ctx)
		if err != nil {
			return nil, err
		}
		instances := make(map[int64]*report.Instance, len(wires))
		for i := range wires {
			ins := wires[i].Decode()
			instances[ins.ID] = ins
		}
		s.mu.Lock()
		s.instances = instances
		s.initialized = true
		s.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch instances: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instances, nil
}

// Get looks up a cached instance. It never triggers a fetch; callers must
// have awaited Instances at least once per session, otherwise nil is
// returned for every id.
func (s *InstanceStore) Get(id int64) *report.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instances[id]
}

// Create places a new instance of reportID on a dashboard and caches it.
// When drillDownID > -1 a drilldown child of that report is created as well
// and linked onto the new instance. If child creation fails after the parent
// succeeded the parent stays cached without a working link; the caller must
// surface the error and may delete the orphan.
func (s *InstanceStore) Create(ctx context.Context, dashboardID, reportID int64, params report.CreateParams, drillDownID int64) (int64, error) {
	id, err := s.api.CreateInstance(ctx, reportID, dashboardID, params.Name, params.Params)
	if err != nil {
		return 0, fmt.Errorf("create instance: %w", err)
	}
	if err := s.fetchInstance(ctx, id); err != nil {
		return 0, err
	}

	if drillDownID > -1 {
		childID, err := s.api.CreateDrillDown(ctx, drillDownID, id, params.DrillDownParams)
		if err != nil {
			return id, fmt.Errorf("create drilldown: %w", err)
		}
		s.mu.Lock()
		if parent := s.instances[id]; parent != nil {
			parent.DrillDownID = childID
		}
		s.mu.Unlock()
		if err := s.fetchInstance(ctx, childID); err != nil {
			return id, err
		}
	}
	return id, nil
}

// Update persists the current in-memory name and config of an instance.
// It takes no data argument: callers mutate the cached object first, then
// commit. Many rapid local edits cost one network write.
func (s *InstanceStore) Update(ctx context.Context, id int64) error {
	s.mu.RLock()
	instance := s.instances[id]
	s.mu.RUnlock()
	if instance == nil {
		return fmt.Errorf("update: unknown instance %d", id)
	}

	config, err := report.SerializeConfig(instance.Config)
	if err != nil {
		return fmt.Errorf("serialize config of instance %d: %w", id, err)
	}
	return s.api.UpdateInstance(ctx, id, instance.DisplayName(), config)
}

// SetConfig replaces the cached instance's config. Controllers holding the
// same instance observe the change immediately; nothing is persisted until
// Update.
func (s *InstanceStore) SetConfig(id int64, cfg *report.InstanceConfig) {
	s.mu.RLock()
	instance := s.instances[id]
	s.mu.RUnlock()
	if instance != nil {
		instance.Config = cfg
	}
}

// SetName renames the cached instance without persisting.
func (s *InstanceStore) SetName(id int64, name string) {
	s.mu.RLock()
	instance := s.instances[id]
	s.mu.RUnlock()
	if instance != nil {
		instance.Name = name
	}
}

// Execute runs an instance's backing query with the documented defaults
// applied. Elasticsearch-backed definitions have their raw payload decoded
// and routed through the adapter. When paging beyond page 0 the caller's
// TotalCount hint overrides whatever the server reports: the backend does
// not recompute totals on subsequent pages, so the first page's count is
// carried forward.
func (s *InstanceStore) Execute(ctx context.Context, id int64, params *report.ExecParams) (*report.ExecutionResult, error) {
	resolved := report.NormalizeExecParams(params)

	timer := prometheus.NewTimer(executionDuration)
	wire, err := s.api.Execute(ctx, id, resolved)
	timer.ObserveDuration()
	if err != nil {
		executionsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	executionsTotal.WithLabelValues("ok").Inc()

	result, err := s.translate(id, wire)
	if err != nil {
		return nil, err
	}
	if resolved.Page > 0 {
		result.TotalCount = resolved.TotalCount
	}
	return result, nil
}

func (s *InstanceStore) translate(id int64, wire *report.ExecutionResultWire) (*report.ExecutionResult, error) {
	instance := s.Get(id)
	if instance == nil || instance.Report == nil ||
		instance.Report.Query.DataSource.Type != report.DataSourceElasticsearch {
		return wire.Tabular(), nil
	}
	if s.adapter == nil {
		return nil, fmt.Errorf("instance %d: elasticsearch source without adapter", id)
	}
	raw, err := wire.DecodeRawData()
	if err != nil {
		return nil, fmt.Errorf("instance %d: decode raw payload: %w", id, err)
	}
	result, err := s.adapter(raw, instance.Report.Query.Metadata)
	if err != nil {
		return nil, fmt.Errorf("instance %d: adapt raw payload: %w", id, err)
	}
	return result, nil
}

// FilterOptions fetches the selectable values of a declared filter. The
// single-slot cache is keyed by instance id only: a second lookup for the
// same instance returns the previous payload even when filterID differs.
func (s *InstanceStore) FilterOptions(ctx context.Context, id, filterID int64) (*report.ExecutionResult, error) {
	s.mu.RLock()
	if s.filterOptions != nil && s.filterOptionsID == id {
		defer s.mu.RUnlock()
		return s.filterOptions, nil
	}
	s.mu.RUnlock()

	result, err := s.api.FilterOptions(ctx, id, filterID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.filterOptionsID = id
	s.filterOptions = result
	s.mu.Unlock()
	return result, nil
}

// Export produces a downloadable payload. One-shot; nothing is cached.
func (s *InstanceStore) Export(ctx context.Context, id int64, format report.ExportFormat, params *report.ExecParams) ([]byte, error) {
	return s.api.Export(ctx, id, format, report.NormalizeExecParams(params))
}

// EmbedHash fetches the embed token of an instance.
func (s *InstanceStore) EmbedHash(ctx context.Context, id int64) (string, error) {
	return s.api.EmbedHash(ctx, id)
}

// Delete removes the server-side instance and evicts it locally. Controllers
// holding a stale reference are not notified; they observe the removal when
// they next call Get or Instances.
func (s *InstanceStore) Delete(ctx context.Context, id int64) error {
	if err := s.api.DeleteInstance(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.instances, id)
	s.mu.Unlock()
	return nil
}

func (s *InstanceStore) fetchInstance(ctx context.Context, id int64) error {
	wire, err := s.api.GetInstance(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch instance %d: %w", id, err)
	}
	instance := wire.Decode()
	s.mu.Lock()
	s.instances[instance.ID] = instance
	s.mu.Unlock()
	return nil
}

// LinkIssue flags an inconsistent drilldown relation between two instances.
type LinkIssue struct {
	ParentID    int64  `json:"parentId"`
	DrillDownID int64  `json:"drillDownId"`
	Problem     string `json:"problem"`
}

// ValidateLinks scans the cached instances for drilldown links whose child
// is missing or whose child's parentId does not point back. Nothing enforces
// this invariant at runtime; the report is diagnostic only.
func (s *InstanceStore) ValidateLinks() []LinkIssue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var issues []LinkIssue
	for _, instance := range s.instances {
		if instance.DrillDownID <= 0 {
			continue
		}
		child := s.instances[instance.DrillDownID]
		switch {
		case child == nil:
			issues = append(issues, LinkIssue{
				ParentID:    instance.ID,
				DrillDownID: instance.DrillDownID,
				Problem:     "drilldown target not found",
			})
		case child.ParentID != instance.ID:
			issues = append(issues, LinkIssue{
				ParentID:    instance.ID,
				DrillDownID: instance.DrillDownID,
				Problem:     "drilldown target's parentId does not resolve back",
			})
		}
	}
	return issues
}
