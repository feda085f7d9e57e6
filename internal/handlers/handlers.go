package handlers

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/reportdeck/report-engine/internal/controller"
	"github.com/reportdeck/report-engine/internal/pubsub"
	"github.com/reportdeck/report-engine/internal/realtime"
	"github.com/reportdeck/report-engine/internal/report"
	"github.com/reportdeck/report-engine/internal/store"
)

// Handler handles HTTP requests for the report engine
type Handler struct {
	store  *store.InstanceStore
	bus    *pubsub.Bus
	hub    *realtime.Hub
	logger *zap.Logger

	defaultMode     report.ColorMode
	defaultBP       report.Breakpoint
	defaultPageSize int

	mu      sync.Mutex
	widgets map[int64]*controller.Controller
}

// NewHandler creates a new HTTP handler
func NewHandler(st *store.InstanceStore, bus *pubsub.Bus, hub *realtime.Hub, mode report.ColorMode, bp report.Breakpoint, tablePageSize int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:           st,
		bus:             bus,
		hub:             hub,
		logger:          logger,
		defaultMode:     mode,
		defaultBP:       bp,
		defaultPageSize: tablePageSize,
		widgets:         make(map[int64]*controller.Controller),
	}
}

// RegisterRoutes registers all HTTP routes
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		instances := api.Group("/instances")
		{
			instances.GET("", h.ListInstances)
			instances.POST("", h.CreateInstance)
			instances.GET("/links/validate", h.ValidateLinks)
			instances.GET("/:id", h.GetInstance)
			instances.PUT("/:id", h.UpdateInstance)
			instances.DELETE("/:id", h.DeleteInstance)
			instances.POST("/:id/export", h.ExportInstance)
			instances.GET("/:id/embed", h.EmbedHash)
			instances.POST("/:id/filter-options", h.FilterOptions)
		}

		widgets := api.Group("/widgets")
		{
			widgets.POST("/:id/mount", h.MountWidget)
			widgets.DELETE("/:id", h.UnmountWidget)
			widgets.GET("/:id", h.WidgetState)
			widgets.POST("/:id/execute", h.ExecuteWidget)
			widgets.POST("/:id/refresh", h.RefreshWidget)
			widgets.POST("/:id/retry", h.RetryWidget)
			widgets.POST("/:id/click", h.ClickWidget)
			widgets.POST("/:id/back", h.BackFromDrillDown)
			widgets.POST("/:id/filters", h.SetWidgetFilters)
			widgets.POST("/:id/params", h.SetWidgetParams)
			widgets.POST("/:id/options", h.SetWidgetOptions)
			widgets.POST("/:id/save", h.SaveWidget)
		}

		rt := api.Group("/realtime")
		{
			rt.GET("/ws", h.hub.HandleWebSocket)
			rt.GET("/stats", h.RealtimeStats)
		}

		system := api.Group("/system")
		{
			system.GET("/health", h.HealthCheck)
			system.GET("/metrics", gin.WrapH(promhttp.Handler()))
		}
	}
}

// Instance handlers

// ListInstances returns the cached instance map, fetching it on first use
func (h *Handler) ListInstances(c *gin.Context) {
	instances, err := h.store.Instances(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch instances"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances})
}

// GetInstance returns one cached instance
func (h *Handler) GetInstance(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	instance := h.store.Get(id)
	if instance == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance": instance})
}

type createInstanceRequest struct {
	DashboardID int64               `json:"dashboardId"`
	ReportID    int64               `json:"reportId"`
	DrillDownID *int64              `json:"drillDownId"`
	Params      report.CreateParams `json:"params"`
}

// CreateInstance places a new instance (and optional drilldown child)
func (h *Handler) CreateInstance(c *gin.Context) {
	var req createInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	drillDownID := int64(-1)
	if req.DrillDownID != nil {
		drillDownID = *req.DrillDownID
	}

	id, err := h.store.Create(c.Request.Context(), req.DashboardID, req.ReportID, req.Params, drillDownID)
	if err != nil {
		// The parent may exist without a working drilldown link; surface
		// the id so the caller can decide to keep or delete the orphan.
		if id != 0 {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "id": id})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

type updateInstanceRequest struct {
	Name   *string                `json:"name"`
	Config *report.InstanceConfig `json:"config"`
}

// UpdateInstance applies name/config to the cached instance, then commits
func (h *Handler) UpdateInstance(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req updateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if req.Name != nil {
		h.store.SetName(id, *req.Name)
	}
	if req.Config != nil {
		h.store.SetConfig(id, req.Config)
	}
	if err := h.store.Update(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to update instance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// DeleteInstance removes the server-side instance and evicts it locally
func (h *Handler) DeleteInstance(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to delete instance"})
		return
	}
	h.dropWidget(id)
	c.Status(http.StatusNoContent)
}

// ExportInstance produces a downloadable payload
func (h *Handler) ExportInstance(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	format := report.ExportFormat(c.DefaultQuery("format", string(report.ExportXLSX)))

	var params report.ExecParams
	if err := c.ShouldBindJSON(&params); err != nil {
		params = report.ExecParams{}
	}

	data, err := h.store.Export(c.Request.Context(), id, format, &params)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "export failed"})
		return
	}

	contentType := "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	if format == report.ExportCSV {
		contentType = "text/csv"
	}
	c.Data(http.StatusOK, contentType, data)
}

// EmbedHash returns the embed token of an instance
func (h *Handler) EmbedHash(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	hash, err := h.store.EmbedHash(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch embed hash"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hash": hash})
}

// FilterOptions returns the selectable values of a declared filter
func (h *Handler) FilterOptions(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	filterID, err := strconv.ParseInt(c.Query("filterId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filterId"})
		return
	}
	result, err := h.store.FilterOptions(c.Request.Context(), id, filterID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch filter options"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// ValidateLinks reports drilldown links whose child is missing or does not
// point back. Diagnostic only; runtime behavior never depends on it
func (h *Handler) ValidateLinks(c *gin.Context) {
	issues := h.store.ValidateLinks()
	if issues == nil {
		issues = []store.LinkIssue{}
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues})
}

// Widget handlers

type mountRequest struct {
	Mode       report.ColorMode  `json:"mode"`
	Breakpoint report.Breakpoint `json:"breakpoint"`
}

// MountWidget creates the controller for a rendered instance. Exactly one
// controller exists per mounted instance at a time
func (h *Handler) MountWidget(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req mountRequest
	_ = c.ShouldBindJSON(&req)
	if req.Mode == "" {
		req.Mode = h.defaultMode
	}
	if req.Breakpoint == "" {
		req.Breakpoint = h.defaultBP
	}

	if _, err := h.store.Instances(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch instances"})
		return
	}

	ctrl := controller.New(h.store, h.bus, id, controller.Settings{
		Mode:          req.Mode,
		Breakpoint:    req.Breakpoint,
		TablePageSize: h.defaultPageSize,
		OnDelete:      h.dropWidget,
	}, h.logger)

	// Reserve the slot before mounting: Mount runs a network round trip, and
	// a check released before the insert would let two concurrent mounts of
	// the same id leak a controller that stays subscribed forever.
	h.mu.Lock()
	if _, exists := h.widgets[id]; exists {
		h.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "widget already mounted"})
		return
	}
	h.widgets[id] = ctrl
	h.mu.Unlock()

	if err := ctrl.Mount(c.Request.Context()); err != nil {
		if _, unknown := err.(*controller.UnknownInstanceError); unknown {
			h.mu.Lock()
			delete(h.widgets, id)
			h.mu.Unlock()
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		// Mounted but the initial execution failed: the widget exists in
		// Error state with a retry affordance, matching one-widget-scoped
		// failure handling.
		h.logger.Warn("initial execution failed", zap.Int64("instance", id), zap.Error(err))
	}
	ctrl.StartAutoRefresh()

	c.JSON(http.StatusCreated, gin.H{"widget": ctrl.Snapshot()})
}

// UnmountWidget tears a controller down
func (h *Handler) UnmountWidget(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	h.mu.Lock()
	ctrl := h.widgets[id]
	delete(h.widgets, id)
	h.mu.Unlock()

	if ctrl == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "widget not mounted"})
		return
	}
	ctrl.Close()
	c.Status(http.StatusNoContent)
}

// WidgetState returns the controller's externally visible state
func (h *Handler) WidgetState(c *gin.Context) {
	ctrl, ok := h.widget(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"widget": ctrl.Snapshot()})
}

// ExecuteWidget re-executes with caller-supplied params
func (h *Handler) ExecuteWidget(c *gin.Context) {
	ctrl, ok := h.widget(c)
	if !ok {
		return
	}
	var params report.ExecParams
	if err := c.ShouldBindJSON(&params); err != nil {
		params = report.ExecParams{}
	}
	if err := ctrl.Execute(c.Request.Context(), &params); err != nil {
		c.JSON(http.StatusOK, gin.H{"widget": ctrl.Snapshot(), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"widget": ctrl.Snapshot()})
}

// RefreshWidget re-executes bypassing the server cache
func (h *Handler) RefreshWidget(c *gin.Context) {
	ctrl, ok := h.widget(c)
	if !ok {
		return
	}
	if err := ctrl.Refresh(c.Request.Context()); err != nil {
		c.JSON(http.StatusOK, gin.H{"widget": ctrl.Snapshot(), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"widget": ctrl.Snapshot()})
}

// RetryWidget recovers from the error/empty states
func (h *Handler) RetryWidget(c *gin.Context) {
	ctrl, ok := h.widget(c)
	if !ok {
		return
	}
	if err := ctrl.Retry(c.Request.Context()); err != nil {
		c.JSON(http.StatusOK, gin.H{"widget": ctrl.Snapshot(), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"widget": ctrl.Snapshot()})
}

type clickRequest struct {
	Name string `json:"name"`
}

// ClickWidget publishes the interaction event for a clicked data point
func (h *Handler) ClickWidget(c *gin.Context) {
	ctrl, ok := h.widget(c)
	if !ok {
		return
	}
	var req clickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctrl.Click(req.Name)
	c.Status(http.StatusAccepted)
}

// BackFromDrillDown restores the originally mounted instance
func (h *Handler) BackFromDrillDown(c *gin.Context) {
	ctrl, ok := h.widget(c)
	if !ok {
		return
	}
	if err := ctrl.BackFromDrillDown(c.Request.Context()); err != nil {
		c.JSON(http.StatusOK, gin.H{"widget": ctrl.Snapshot(), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"widget": ctrl.Snapshot()})
}

type filtersRequest struct {
	FilterVOS []report.Filter `json:"filterVOS"`
}

// SetWidgetFilters replaces the filter state and re-executes
func (h *Handler) SetWidgetFilters(c *gin.Context) {
	ctrl, ok := h.widget(c)
	if !ok {
		return
	}
	var req filtersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := ctrl.SetFilters(c.Request.Context(), req.FilterVOS); err != nil {
		c.JSON(http.StatusOK, gin.H{"widget": ctrl.Snapshot(), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"widget": ctrl.Snapshot()})
}

type paramsRequest struct {
	ParentParams []*report.QueryParam `json:"parentParams"`
}

// SetWidgetParams replaces the parameter state and re-executes
func (h *Handler) SetWidgetParams(c *gin.Context) {
	ctrl, ok := h.widget(c)
	if !ok {
		return
	}
	var req paramsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := ctrl.SetParams(c.Request.Context(), req.ParentParams); err != nil {
		c.JSON(http.StatusOK, gin.H{"widget": ctrl.Snapshot(), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"widget": ctrl.Snapshot()})
}

type optionsRequest struct {
	Theme   *string        `json:"theme"`
	Icon    *string        `json:"icon"`
	Options report.Options `json:"options"`
}

// SetWidgetOptions stages manual display edits on the shared instance
// config without persisting
func (h *Handler) SetWidgetOptions(c *gin.Context) {
	ctrl, ok := h.widget(c)
	if !ok {
		return
	}
	var req optionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Theme != nil {
		ctrl.SetTheme(*req.Theme)
	}
	if req.Icon != nil {
		ctrl.SetIcon(*req.Icon)
	}
	if req.Options != nil {
		ctrl.SetOptions(req.Options)
	}
	c.JSON(http.StatusOK, gin.H{"widget": ctrl.Snapshot()})
}

// SaveWidget commits the instance's in-memory name/config
func (h *Handler) SaveWidget(c *gin.Context) {
	ctrl, ok := h.widget(c)
	if !ok {
		return
	}
	if err := ctrl.Save(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to save"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"widget": ctrl.Snapshot()})
}

// System handlers

// RealtimeStats returns hub connection counts
func (h *Handler) RealtimeStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"connected_clients": h.hub.ConnectedClients()})
}

// HealthCheck reports service liveness
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) widget(c *gin.Context) (*controller.Controller, bool) {
	id, ok := parseID(c)
	if !ok {
		return nil, false
	}
	h.mu.Lock()
	ctrl := h.widgets[id]
	h.mu.Unlock()
	if ctrl == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "widget not mounted"})
		return nil, false
	}
	return ctrl, true
}

func (h *Handler) dropWidget(instanceID int64) {
	h.mu.Lock()
	ctrl := h.widgets[instanceID]
	delete(h.widgets, instanceID)
	h.mu.Unlock()
	if ctrl != nil {
		ctrl.Close()
	}
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
		return 0, false
	}
	return id, true
}
