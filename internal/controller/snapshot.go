package controller

import (
	"fmt"

	"github.com/reportdeck/report-engine/internal/report"
)

// UnknownInstanceError reports a controller action against an instance id
// the store has never seen.
type UnknownInstanceError struct {
	ID int64
}

func (e *UnknownInstanceError) Error() string {
	return fmt.Sprintf("unknown report instance %d", e.ID)
}

// Snapshot is the controller's externally visible state, consumed by the
// rendering layer. Result is nil while never-yet-executed.
type Snapshot struct {
	InstanceID  int64                   `json:"instanceId"`
	Name        string                  `json:"name"`
	Type        report.Type             `json:"type"`
	State       State                   `json:"state"`
	Loading     bool                    `json:"loading"`
	Theme       string                  `json:"theme"`
	Icon        string                  `json:"icon"`
	IsDrillDown bool                    `json:"isDrillDown"`
	Options     report.Options          `json:"options"`
	Result      *report.ExecutionResult `json:"result,omitempty"`
}

// Snapshot returns the current externally visible state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		InstanceID:  c.instance.ID,
		Name:        c.instance.DisplayName(),
		Type:        c.instance.Report.Type,
		State:       c.state,
		Loading:     c.state == StateLoading,
		Theme:       c.theme,
		Icon:        c.icon,
		IsDrillDown: c.isDrillDown,
		Options:     c.merged,
		Result:      c.result,
	}
}

// State returns the current execution state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Result returns the last execution result, nil while never-yet-executed.
func (c *Controller) Result() *report.ExecutionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// ActiveInstance returns the currently active instance: the drilldown child
// while drilled in, otherwise the mounted one.
func (c *Controller) ActiveInstance() *report.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instance
}

// Options returns the current merged chart options.
func (c *Controller) Options() report.Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.merged
}

// IsDrillDown reports whether the controller is showing a drilldown child.
func (c *Controller) IsDrillDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isDrillDown
}

// ParentParams returns the current parent-derived parameter state.
func (c *Controller) ParentParams() []*report.QueryParam {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parentParams
}

// RefreshInterval returns the definition-declared refresh interval, seconds.
func (c *Controller) RefreshInterval() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshInterval
}
