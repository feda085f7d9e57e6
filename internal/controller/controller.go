// Package controller drives one rendered report instance: its execution
// state machine, filter/parameter state, option merging and reaction to
// cross-instance interaction events.
package controller

import (
	"context"
	"sync"
	"time"

	ptime "github.com/yaa110/go-persian-calendar"
	"go.uber.org/zap"

	"github.com/reportdeck/report-engine/internal/options"
	"github.com/reportdeck/report-engine/internal/pubsub"
	"github.com/reportdeck/report-engine/internal/report"
	"github.com/reportdeck/report-engine/internal/store"
)

// State is the controller's execution state.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	// StateEmpty is the distinct no-data state of a chart-shaped report
	// whose execution returned zero rows. Recoverable via retry or delete,
	// never retried automatically.
	StateEmpty State = "empty"
	StateError State = "error"
)

// Settings fixes the rendering context a controller is mounted under.
// TablePageSize is the default page size for table reports; zero selects 10.
type Settings struct {
	Mode          report.ColorMode
	Breakpoint    report.Breakpoint
	TablePageSize int
	OnDelete      func(instanceID int64)
}

// Controller owns the per-widget state machine. Exactly one controller
// exists per mounted instance at a time. It reads and mutates the store's
// cached instance object directly; peers holding the same instance observe
// those edits before any Update commit.
type Controller struct {
	store  *store.InstanceStore
	bus    *pubsub.Bus
	logger *zap.Logger

	mountedID int64
	mode      report.ColorMode
	bp        report.Breakpoint
	pageSize  int
	onDelete  func(int64)

	ctx         context.Context
	unsubscribe func()

	mu              sync.Mutex
	instance        *report.Instance
	state           State
	result          *report.ExecutionResult
	merged          report.Options
	tempOptions     report.Options
	theme           string
	icon            string
	refreshInterval int
	filterVOS       []report.Filter
	parentParams    []*report.QueryParam
	isDrillDown     bool
	reportFilters   map[int64]report.QueryFilter
	seq             uint64

	refreshStop chan struct{}
	running     bool
}

// New creates a controller for the given instance id. Call Mount before
// anything else.
func New(st *store.InstanceStore, bus *pubsub.Bus, instanceID int64, settings Settings, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	mode := settings.Mode
	if mode == "" {
		mode = report.ModeLight
	}
	bp := settings.Breakpoint
	if bp == "" {
		bp = report.BreakpointLG
	}
	pageSize := settings.TablePageSize
	if pageSize <= 0 {
		pageSize = 10
	}
	return &Controller{
		store:     st,
		bus:       bus,
		logger:    logger,
		mountedID: instanceID,
		mode:      mode,
		bp:        bp,
		pageSize:  pageSize,
		onDelete:  settings.OnDelete,
		state:     StateIdle,
	}
}

// Mount resolves the instance, subscribes to the event bus and runs the
// initial execution unless the report is a pure input form. ctx bounds the
// controller's lifetime: event-driven re-executions inherit it.
func (c *Controller) Mount(ctx context.Context) error {
	instance := c.store.Get(c.mountedID)
	if instance == nil {
		return &UnknownInstanceError{ID: c.mountedID}
	}

	c.ctx = ctx
	c.mu.Lock()
	c.instance = instance
	c.initializeLocked()
	c.mu.Unlock()

	c.unsubscribe = c.bus.Subscribe(c)

	if c.shouldExecute() {
		return c.Execute(ctx, nil)
	}
	return nil
}

// Close tears the controller down: no bus delivery or refresh tick reaches
// it afterwards.
func (c *Controller) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.stopAutoRefresh()
}

// initializeLocked derives the mount-time state from the active instance:
// the refresh interval comes from the definition's config, theme and icon
// from the instance's own, and filters are indexed for later coercion.
func (c *Controller) initializeLocked() {
	def := c.instance.Report
	c.refreshInterval = report.ParseDefinitionConfig(def.Config).RefreshInterval

	cfg := c.instance.Config
	if cfg == nil {
		cfg = report.DefaultConfig()
		c.instance.Config = cfg
	}
	c.theme = cfg.Theme
	c.icon = cfg.Icon

	c.reportFilters = make(map[int64]report.QueryFilter, len(def.Query.QueryFilters))
	for _, f := range def.Query.QueryFilters {
		c.reportFilters[f.ID] = f
	}

	c.result = nil
	c.merged = options.Editable(cfg.Slot(c.mode, c.bp))
}

func (c *Controller) shouldExecute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instance.Report.Type != report.TypeForm
}

// Execute runs the active instance's query. Filter values are coerced by
// type, table reports default to a page size of 10 and the caller's params
// override both. A response that resolves after a newer execution was issued
// is discarded, so overlapping executions cannot flash stale results.
func (c *Controller) Execute(ctx context.Context, params *report.ExecParams) error {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.state = StateLoading
	instance := c.instance
	effective := c.effectiveParamsLocked(params)
	c.mu.Unlock()

	result, err := c.store.Execute(ctx, instance.ID, effective)

	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.seq {
		c.logger.Debug("discarding stale execution response",
			zap.Int64("instance", instance.ID),
			zap.Uint64("seq", seq))
		return nil
	}
	if err != nil {
		c.state = StateError
		c.logger.Warn("execution failed",
			zap.Int64("instance", instance.ID),
			zap.Error(err))
		return err
	}

	c.result = result
	if instance.Report.Type.IsChart() && len(result.Rows) == 0 {
		c.state = StateEmpty
	} else {
		c.state = StateReady
	}
	c.updateOptionsLocked()
	return nil
}

// effectiveParamsLocked folds the controller's filter/parameter state with
// the caller's overrides.
func (c *Controller) effectiveParamsLocked(params *report.ExecParams) *report.ExecParams {
	size := 0
	if c.instance.Report.Type == report.TypeTable {
		size = c.pageSize
	}
	effective := &report.ExecParams{
		FilterVOS:    c.coerceFiltersLocked(),
		ParentParams: c.parentParams,
		Size:         size,
	}
	if params == nil {
		return effective
	}
	if params.FilterVOS != nil {
		effective.FilterVOS = params.FilterVOS
	}
	if params.ParentParams != nil {
		effective.ParentParams = params.ParentParams
	}
	effective.OrderByElementVOS = params.OrderByElementVOS
	effective.Page = params.Page
	if params.Size != 0 {
		effective.Size = params.Size
	}
	effective.TotalCount = params.TotalCount
	effective.LoadFromCache = params.LoadFromCache
	return effective
}

// Accepted layouts for raw date filter values, tried in order.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// coerceFiltersLocked applies type-specific value coercion: DATE values
// become plain Gregorian calendar dates, DATE_STRING values the Jalali
// equivalent. Everything else passes through unchanged.
func (c *Controller) coerceFiltersLocked() []report.Filter {
	coerced := make([]report.Filter, len(c.filterVOS))
	for i, f := range c.filterVOS {
		coerced[i] = f
		declared, ok := c.reportFilters[f.ID]
		if !ok {
			continue
		}
		switch declared.Type {
		case report.FilterDate:
			if t, ok := parseDate(f.Value); ok {
				coerced[i].Value = t.Format("2006-01-02")
			}
		case report.FilterDateString:
			if t, ok := parseDate(f.Value); ok {
				coerced[i].Value = ptime.New(t).Format("yyyy-MM-dd")
			}
		}
	}
	return coerced
}

func parseDate(value string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// updateOptionsLocked recomputes the merged chart options: theme defaults,
// then the data-bound series, then the user's saved override for the active
// (mode, breakpoint) cell. User overrides always win, but computed series
// data survives stale overrides because the merge descends into slices.
func (c *Controller) updateOptionsLocked() {
	saved := options.Editable(c.instance.Config.Slot(c.mode, c.bp))
	c.merged = options.Merge(
		options.ThemeDefaults(c.theme),
		options.SeriesFromResult(c.result),
		saved,
	)
}

// OnEvent implements pubsub.Listener. Drilldown: an event originating from
// the active instance activates its declared drilldown child, seeded with
// the clicked value. Linked: an event originating from the active instance's
// parent re-executes it in place with the derived parameter. The network
// work runs on its own goroutine so delivery to other subscribers is never
// blocked.
func (c *Controller) OnEvent(e pubsub.Event) {
	c.mu.Lock()
	instanceID := c.instance.ID
	drillDownID := c.instance.DrillDownID
	parentID := c.instance.ParentID
	c.mu.Unlock()

	if e.ID == instanceID && drillDownID > 0 {
		c.processDrilldown(drillDownID, e.Payload)
	}
	if parentID > 0 && e.ID == parentID {
		c.processLinked(e.Payload)
	}
}

func (c *Controller) processDrilldown(drillDownID int64, payload any) {
	child := c.store.Get(drillDownID)
	if child == nil {
		c.logger.Warn("drilldown target not cached",
			zap.Int64("instance", c.mountedID),
			zap.Int64("drilldown", drillDownID))
		return
	}

	derived := c.deriveParams(child.Report, payload)

	c.mu.Lock()
	c.instance = child
	c.isDrillDown = true
	c.parentParams = derived
	c.filterVOS = nil
	c.initializeLocked()
	c.mu.Unlock()

	c.reexecuteAsync()
}

func (c *Controller) processLinked(payload any) {
	c.mu.Lock()
	derived := c.deriveParams(c.instance.Report, payload)
	c.parentParams = derived
	c.initializeLocked()
	c.mu.Unlock()

	c.reexecuteAsync()
}

// deriveParams seeds the first parent-derived query parameter with the
// event payload's name. A declared drilldown without such a parameter is a
// configuration gap: propagation proceeds with no parameters and a warning.
func (c *Controller) deriveParams(def *report.Definition, payload any) []*report.QueryParam {
	param := def.FirstParentDerivedParam()
	if param == nil {
		c.logger.Warn("no parent-derived parameter declared; propagating without parameters",
			zap.Int64("report", def.ID))
		return []*report.QueryParam{}
	}
	name, ok := pubsub.InteractionName(payload)
	if !ok {
		c.logger.Warn("interaction payload has no name field",
			zap.Int64("report", def.ID))
		return []*report.QueryParam{}
	}
	param.Value = name
	return []*report.QueryParam{param}
}

func (c *Controller) reexecuteAsync() {
	if !c.shouldExecute() {
		return
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		_ = c.Execute(ctx, nil)
	}()
}

// BackFromDrillDown restores the originally mounted instance, clears every
// derived filter and parameter and runs a fresh execution.
func (c *Controller) BackFromDrillDown(ctx context.Context) error {
	instance := c.store.Get(c.mountedID)
	if instance == nil {
		return &UnknownInstanceError{ID: c.mountedID}
	}

	c.mu.Lock()
	c.instance = instance
	c.isDrillDown = false
	c.filterVOS = nil
	c.parentParams = nil
	c.initializeLocked()
	c.mu.Unlock()

	if c.shouldExecute() {
		return c.Execute(ctx, nil)
	}
	return nil
}

// Retry recovers from the Error and Empty states: the staged pre-edit
// options are rolled back into the config slot, filters are cleared and the
// query re-runs bypassing the server cache.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	c.instance.Config.SetSlot(c.mode, c.bp, c.tempOptions)
	c.filterVOS = nil
	c.updateOptionsLocked()
	c.mu.Unlock()

	if !c.shouldExecute() {
		return nil
	}
	fromCache := false
	return c.Execute(ctx, &report.ExecParams{LoadFromCache: &fromCache})
}

// Refresh re-runs the query bypassing the server cache.
func (c *Controller) Refresh(ctx context.Context) error {
	fromCache := false
	return c.Execute(ctx, &report.ExecParams{LoadFromCache: &fromCache})
}

// SetFilters replaces the filter state and re-executes.
func (c *Controller) SetFilters(ctx context.Context, filters []report.Filter) error {
	c.mu.Lock()
	c.filterVOS = filters
	c.mu.Unlock()
	return c.Execute(ctx, nil)
}

// SetParams replaces the parent parameter state and re-executes.
func (c *Controller) SetParams(ctx context.Context, params []*report.QueryParam) error {
	c.mu.Lock()
	c.parentParams = params
	c.mu.Unlock()
	return c.Execute(ctx, nil)
}

// SetTheme writes the theme into the shared instance config (uncommitted)
// and recomputes options without re-executing.
func (c *Controller) SetTheme(theme string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instance.Config.Theme = theme
	c.theme = theme
	c.updateOptionsLocked()
}

// SetIcon writes the icon into the shared instance config (uncommitted).
func (c *Controller) SetIcon(icon string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instance.Config.Icon = icon
	c.icon = icon
}

// SetOptions commits a manual option edit into the active (mode, breakpoint)
// config slot, staging the previous value for rollback via Retry, and
// recomputes the merged options. No re-execution.
func (c *Controller) SetOptions(opts report.Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tempOptions = c.instance.Config.Slot(c.mode, c.bp)
	c.instance.Config.SetSlot(c.mode, c.bp, opts)
	c.updateOptionsLocked()
}

// Save commits the instance's current in-memory name/config to the backend.
func (c *Controller) Save(ctx context.Context) error {
	c.mu.Lock()
	id := c.instance.ID
	c.mu.Unlock()
	return c.store.Update(ctx, id)
}

// Delete removes the active instance and notifies the owner.
func (c *Controller) Delete(ctx context.Context) error {
	c.mu.Lock()
	id := c.instance.ID
	c.mu.Unlock()
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	if c.onDelete != nil {
		c.onDelete(id)
	}
	return nil
}

// Click publishes the interaction event for a clicked data point or table
// row, with the active instance as origin.
func (c *Controller) Click(name string) {
	c.mu.Lock()
	id := c.instance.ID
	c.mu.Unlock()
	c.bus.Publish(pubsub.Event{ID: id, Payload: pubsub.Interaction{Name: name}})
}

// StartAutoRefresh begins periodic re-execution at the definition's refresh
// interval. A zero interval disables it.
func (c *Controller) StartAutoRefresh() {
	c.mu.Lock()
	interval := c.refreshInterval
	if interval <= 0 || c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	stop := make(chan struct{})
	c.refreshStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Duration(interval) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = c.Execute(c.ctx, nil)
			case <-stop:
				return
			}
		}
	}()
}

func (c *Controller) stopAutoRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		close(c.refreshStop)
		c.running = false
	}
}

// StopAutoRefresh pauses periodic re-execution.
func (c *Controller) StopAutoRefresh() { c.stopAutoRefresh() }
