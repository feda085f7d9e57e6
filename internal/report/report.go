package report

import (
	"encoding/json"
)

// Type classifies how a report renders.
type Type string

const (
	TypeScalar  Type = "SCALAR"
	TypeTable   Type = "TABLE"
	TypeForm    Type = "FORM"
	TypePie     Type = "PIE"
	TypeBar     Type = "BAR"
	TypeLine    Type = "LINE"
	TypeRadar   Type = "RADAR"
	TypeGauge   Type = "GAUGE"
	TypeHeatmap Type = "HEATMAP"
)

// IsChart reports whether the type renders as a chart. Scalars, tables and
// input forms have their own renderers; everything else goes through the
// chart pipeline and gets the empty-result handling that comes with it.
func (t Type) IsChart() bool {
	switch t {
	case TypeScalar, TypeTable, TypeForm:
		return false
	}
	return true
}

// DataSourceType tags the backing query's execution engine.
type DataSourceType string

const (
	DataSourceSQL           DataSourceType = "SQL"
	DataSourceElasticsearch DataSourceType = "ELASTICSEARCH"
)

// FillStrategy declares where a query parameter's value comes from.
type FillStrategy string

const (
	FillByUser             FillStrategy = "BY_USER"
	FillByBusiness         FillStrategy = "BY_BUSINESS"
	FillByParent           FillStrategy = "BY_PARENT"
	FillByBusinessOrParent FillStrategy = "BY_BUSINESS_OR_PARENT"
)

// ParentDerived reports whether the parameter is filled from a parent
// report's selection rather than direct user input.
func (f FillStrategy) ParentDerived() bool {
	return f == FillByParent || f == FillByBusinessOrParent
}

// FilterType classifies a query filter's value coercion.
type FilterType string

const (
	FilterText       FilterType = "TEXT"
	FilterNumber     FilterType = "NUMBER"
	FilterDate       FilterType = "DATE"
	FilterDateString FilterType = "DATE_STRING"
	FilterList       FilterType = "LIST"
)

// QueryParam is a declared parameter of a report query.
type QueryParam struct {
	ID    int64        `json:"id"`
	Name  string       `json:"name"`
	Fill  FillStrategy `json:"fill"`
	Value string       `json:"value"`
}

// QueryFilter is a declared filter of a report query.
type QueryFilter struct {
	ID   int64      `json:"id"`
	Name string     `json:"name"`
	Type FilterType `json:"type"`
}

// Query describes a definition's backing query.
type Query struct {
	DataSource   DataSource    `json:"dataSource"`
	Metadata     any           `json:"metadata,omitempty"`
	QueryParams  []*QueryParam `json:"queryParams"`
	QueryFilters []QueryFilter `json:"queryFilters"`
}

// DataSource identifies the engine a query executes on.
type DataSource struct {
	Type DataSourceType `json:"type"`
}

// Definition is the server-owned report template. Read-only to this engine.
type Definition struct {
	ID                  int64         `json:"id"`
	Name                string        `json:"name"`
	Type                Type          `json:"type"`
	Config              string        `json:"config"`
	Query               Query         `json:"query"`
	CompositeSubReports []*Definition `json:"compositeSubReports,omitempty"`
}

// DefinitionConfig is the slice of the definition config this engine reads.
type DefinitionConfig struct {
	RefreshInterval int `json:"refreshInterval"`
}

// ParseDefinitionConfig decodes the definition's config string; malformed or
// empty input yields the zero config.
func ParseDefinitionConfig(raw string) DefinitionConfig {
	var cfg DefinitionConfig
	if raw == "" {
		return cfg
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return DefinitionConfig{}
	}
	return cfg
}

// Instance is a configured placement of a definition on a dashboard.
// A zero DrillDownID/ParentID means the relation is not declared.
type Instance struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name,omitempty"`
	Report      *Definition     `json:"report"`
	Config      *InstanceConfig `json:"config"`
	DrillDownID int64           `json:"drillDownId,omitempty"`
	ParentID    int64           `json:"parentId,omitempty"`
}

// DisplayName returns the instance name, falling back to the definition name.
func (i *Instance) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	if i.Report != nil {
		return i.Report.Name
	}
	return ""
}

// ColorMode is the dashboard display mode an option override belongs to.
type ColorMode string

const (
	ModeLight ColorMode = "light"
	ModeDark  ColorMode = "dark"
)

// Breakpoint is the responsive grid breakpoint an option override belongs to.
type Breakpoint string

const (
	BreakpointLG  Breakpoint = "lg"
	BreakpointMD  Breakpoint = "md"
	BreakpointSM  Breakpoint = "sm"
	BreakpointXS  Breakpoint = "xs"
	BreakpointXXS Breakpoint = "xxs"
)

// Breakpoints lists every responsive breakpoint, widest first.
var Breakpoints = []Breakpoint{BreakpointLG, BreakpointMD, BreakpointSM, BreakpointXS, BreakpointXXS}

// Options is a chart option tree as edited and merged by the engine.
type Options = map[string]any

// InstanceConfig is the per-instance display configuration, keyed on the
// (color mode, breakpoint) axes independently so a dark/lg edit never
// clobbers a light/md one.
type InstanceConfig struct {
	Theme   string                               `json:"theme"`
	Icon    string                               `json:"icon"`
	Options map[ColorMode]map[Breakpoint]Options `json:"options"`
}

// Slot returns the saved option override for one (mode, breakpoint) cell,
// or nil when nothing was saved there.
func (c *InstanceConfig) Slot(mode ColorMode, bp Breakpoint) Options {
	if c == nil || c.Options == nil {
		return nil
	}
	return c.Options[mode][bp]
}

// SetSlot stores an option override for one (mode, breakpoint) cell.
func (c *InstanceConfig) SetSlot(mode ColorMode, bp Breakpoint, opts Options) {
	if c.Options == nil {
		c.Options = map[ColorMode]map[Breakpoint]Options{}
	}
	if c.Options[mode] == nil {
		c.Options[mode] = map[Breakpoint]Options{}
	}
	c.Options[mode][bp] = opts
}

// DefaultConfig returns the documented fallback instance configuration:
// theme "default", icon "info", empty overrides for both modes and every
// breakpoint.
func DefaultConfig() *InstanceConfig {
	options := map[ColorMode]map[Breakpoint]Options{}
	for _, mode := range []ColorMode{ModeLight, ModeDark} {
		options[mode] = map[Breakpoint]Options{}
		for _, bp := range Breakpoints {
			options[mode][bp] = Options{}
		}
	}
	return &InstanceConfig{Theme: "default", Icon: "info", Options: options}
}

// ParseConfig decodes the wire form of an instance config. Malformed JSON is
// silently recovered with the default config; it must never surface to the
// user as an error.
func ParseConfig(raw string) *InstanceConfig {
	if raw == "" {
		return DefaultConfig()
	}
	var cfg InstanceConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return DefaultConfig()
	}
	return &cfg
}

// SerializeConfig encodes an instance config to its wire string.
func SerializeConfig(cfg *InstanceConfig) (string, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Filter is one filter value submitted with an execution (filterVOS entry).
type Filter struct {
	ID       int64  `json:"id"`
	Operator string `json:"operator,omitempty"`
	Value    string `json:"value"`
}

// OrderBy is one ordering element of an execution.
type OrderBy struct {
	Name   string `json:"name"`
	IsDesc bool   `json:"isDesc"`
}

// ExecParams are the caller-supplied execution parameters. Every field is
// optional; LoadFromCache is a pointer so that "absent" can default to true.
type ExecParams struct {
	FilterVOS         []Filter      `json:"filterVOS,omitempty"`
	ParentParams      []*QueryParam `json:"parentParams,omitempty"`
	OrderByElementVOS []OrderBy     `json:"orderByElementVOS,omitempty"`
	Page              int           `json:"page,omitempty"`
	Size              int           `json:"size,omitempty"`
	TotalCount        int64         `json:"totalCount,omitempty"`
	LoadFromCache     *bool         `json:"loadFromCache,omitempty"`
}

// ResolvedExecParams are execution parameters with every default applied.
type ResolvedExecParams struct {
	FilterVOS         []Filter
	ParentParams      []*QueryParam
	OrderByElementVOS []OrderBy
	Page              int
	Size              int
	TotalCount        int64
	LoadFromCache     bool
}

// NormalizeExecParams resolves the documented defaults: empty slices for the
// three body collections, LoadFromCache true, Page/Size/TotalCount zero.
func NormalizeExecParams(p *ExecParams) ResolvedExecParams {
	resolved := ResolvedExecParams{
		FilterVOS:         []Filter{},
		ParentParams:      []*QueryParam{},
		OrderByElementVOS: []OrderBy{},
		LoadFromCache:     true,
	}
	if p == nil {
		return resolved
	}
	if p.FilterVOS != nil {
		resolved.FilterVOS = p.FilterVOS
	}
	if p.ParentParams != nil {
		resolved.ParentParams = p.ParentParams
	}
	if p.OrderByElementVOS != nil {
		resolved.OrderByElementVOS = p.OrderByElementVOS
	}
	resolved.Page = p.Page
	resolved.Size = p.Size
	resolved.TotalCount = p.TotalCount
	if p.LoadFromCache != nil {
		resolved.LoadFromCache = *p.LoadFromCache
	}
	return resolved
}

// Column describes one column of an execution result.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Row is one row of an execution result.
type Row []any

// ExecutionResult is the tabular outcome of one execution. Transient; owned
// by the controller that requested it, never cached by the store.
type ExecutionResult struct {
	Cols       []Column `json:"cols"`
	Rows       []Row    `json:"rows"`
	TotalCount int64    `json:"totalCount"`
}

// ElasticAdapter converts a decoded Elasticsearch payload into a tabular
// result. The translation itself lives outside this engine; the store only
// routes raw payloads through it.
type ElasticAdapter func(raw json.RawMessage, metadata any) (*ExecutionResult, error)

// ExportFormat selects the export payload encoding.
type ExportFormat string

const (
	ExportCSV  ExportFormat = "CSV"
	ExportXLSX ExportFormat = "XLSX"
)

// CreateParams carries the declared parameter values used when placing a new
// instance (and, optionally, its drilldown child) on a dashboard.
type CreateParams struct {
	Name            string        `json:"name"`
	Params          []*QueryParam `json:"params,omitempty"`
	DrillDownParams []*QueryParam `json:"drillDownParams,omitempty"`
}

// FirstParentDerivedParam returns the first declared query parameter whose
// fill strategy is parent-derived, or nil when the query declares none.
func (d *Definition) FirstParentDerivedParam() *QueryParam {
	if d == nil {
		return nil
	}
	for _, p := range d.Query.QueryParams {
		if p.Fill.ParentDerived() {
			return p
		}
	}
	return nil
}
