package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportdeck/report-engine/internal/pubsub"
	"github.com/reportdeck/report-engine/internal/report"
	"github.com/reportdeck/report-engine/internal/store"
)

type execCall struct {
	ID     int64
	Params report.ResolvedExecParams
}

// fakeBackend implements store.API for controller tests.
type fakeBackend struct {
	mu        sync.Mutex
	instances []report.InstanceWire
	results   map[int64]*report.ExecutionResultWire
	execErr   map[int64]error
	execCalls []execCall
}

func (f *fakeBackend) ListInstances(ctx context.Context) ([]report.InstanceWire, error) {
	return f.instances, nil
}

func (f *fakeBackend) GetInstance(ctx context.Context, id int64) (*report.InstanceWire, error) {
	for i := range f.instances {
		if f.instances[i].ID == id {
			return &f.instances[i], nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeBackend) CreateInstance(ctx context.Context, reportID, dashboardID int64, name string, params []*report.QueryParam) (int64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeBackend) CreateDrillDown(ctx context.Context, reportID, parentInstanceID int64, params []*report.QueryParam) (int64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeBackend) UpdateInstance(ctx context.Context, id int64, name, config string) error {
	return nil
}

func (f *fakeBackend) DeleteInstance(ctx context.Context, id int64) error { return nil }

func (f *fakeBackend) Execute(ctx context.Context, id int64, params report.ResolvedExecParams) (*report.ExecutionResultWire, error) {
	f.mu.Lock()
	f.execCalls = append(f.execCalls, execCall{ID: id, Params: params})
	f.mu.Unlock()
	if err := f.execErr[id]; err != nil {
		return nil, err
	}
	if result := f.results[id]; result != nil {
		return result, nil
	}
	return &report.ExecutionResultWire{
		Cols: []report.Column{{Name: "x"}, {Name: "y"}},
		Rows: []report.Row{{"a", 1}},
	}, nil
}

func (f *fakeBackend) FilterOptions(ctx context.Context, id, filterID int64) (*report.ExecutionResult, error) {
	return &report.ExecutionResult{}, nil
}

func (f *fakeBackend) Export(ctx context.Context, id int64, format report.ExportFormat, params report.ResolvedExecParams) ([]byte, error) {
	return nil, nil
}

func (f *fakeBackend) EmbedHash(ctx context.Context, id int64) (string, error) { return "", nil }

func (f *fakeBackend) calls() []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]execCall, len(f.execCalls))
	copy(out, f.execCalls)
	return out
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.execCalls)
}

func newEngine(t *testing.T, api store.API) (*store.InstanceStore, *pubsub.Bus) {
	t.Helper()
	s := store.New(api, nil, nil)
	_, err := s.Instances(context.Background())
	require.NoError(t, err)
	return s, pubsub.NewBus(nil)
}

func pieDefinition(id int64, params ...*report.QueryParam) *report.Definition {
	return &report.Definition{
		ID:    id,
		Name:  "pie",
		Type:  report.TypePie,
		Query: report.Query{QueryParams: params},
	}
}

func TestMountExecutesAndReachesReady(t *testing.T) {
	api := &fakeBackend{instances: []report.InstanceWire{
		{ID: 1, Report: pieDefinition(1)},
	}}
	s, bus := newEngine(t, api)

	c := New(s, bus, 1, Settings{}, nil)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Close()

	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, 1, api.callCount())
	assert.NotNil(t, c.Result())
}

func TestMountUnknownInstance(t *testing.T) {
	s, bus := newEngine(t, &fakeBackend{})
	c := New(s, bus, 404, Settings{}, nil)

	err := c.Mount(context.Background())
	var unknown *UnknownInstanceError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, int64(404), unknown.ID)
}

func TestMountFormNeverExecutes(t *testing.T) {
	api := &fakeBackend{instances: []report.InstanceWire{
		{ID: 1, Report: &report.Definition{ID: 1, Type: report.TypeForm}},
	}}
	s, bus := newEngine(t, api)

	c := New(s, bus, 1, Settings{}, nil)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Close()

	assert.Equal(t, StateIdle, c.State())
	assert.Zero(t, api.callCount())
}

func TestTableExecutionDefaultsToPageSizeTen(t *testing.T) {
	api := &fakeBackend{instances: []report.InstanceWire{
		{ID: 1, Report: &report.Definition{ID: 1, Type: report.TypeTable}},
	}}
	s, bus := newEngine(t, api)

	c := New(s, bus, 1, Settings{}, nil)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Close()

	calls := api.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 10, calls[0].Params.Size)
	assert.True(t, calls[0].Params.LoadFromCache)
}

func TestTablePageSizeIsConfigurable(t *testing.T) {
	api := &fakeBackend{instances: []report.InstanceWire{
		{ID: 1, Report: &report.Definition{ID: 1, Type: report.TypeTable}},
	}}
	s, bus := newEngine(t, api)

	c := New(s, bus, 1, Settings{TablePageSize: 25}, nil)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Close()

	calls := api.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 25, calls[0].Params.Size)

	// Non-table reports ignore the knob.
	chartAPI := &fakeBackend{instances: []report.InstanceWire{
		{ID: 2, Report: pieDefinition(2)},
	}}
	cs, cbus := newEngine(t, chartAPI)
	chart := New(cs, cbus, 2, Settings{TablePageSize: 25}, nil)
	require.NoError(t, chart.Mount(context.Background()))
	defer chart.Close()
	assert.Zero(t, chartAPI.calls()[0].Params.Size)
}

func TestChartWithZeroRowsIsEmptyNotReady(t *testing.T) {
	api := &fakeBackend{
		instances: []report.InstanceWire{
			{ID: 1, Report: pieDefinition(1)},
			{ID: 2, Report: &report.Definition{ID: 2, Type: report.TypeTable}},
		},
		results: map[int64]*report.ExecutionResultWire{
			1: {Rows: []report.Row{}},
			2: {Rows: []report.Row{}},
		},
	}
	s, bus := newEngine(t, api)

	chart := New(s, bus, 1, Settings{}, nil)
	require.NoError(t, chart.Mount(context.Background()))
	defer chart.Close()
	assert.Equal(t, StateEmpty, chart.State())

	// Tables render their own empty affordance; zero rows is still Ready.
	table := New(s, bus, 2, Settings{}, nil)
	require.NoError(t, table.Mount(context.Background()))
	defer table.Close()
	assert.Equal(t, StateReady, table.State())
}

func TestClickOnParentActivatesDrillDownChild(t *testing.T) {
	api := &fakeBackend{instances: []report.InstanceWire{
		{ID: 7, DrillDownID: 12, Report: pieDefinition(70)},
		{ID: 12, ParentID: 7, Report: pieDefinition(71,
			&report.QueryParam{ID: 5, Name: "region", Fill: report.FillByParent})},
	}}
	s, bus := newEngine(t, api)

	c := New(s, bus, 7, Settings{}, nil)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Close()
	require.Equal(t, 1, api.callCount())

	c.Click("Asia")

	assert.Equal(t, int64(12), c.ActiveInstance().ID)
	assert.True(t, c.IsDrillDown())

	require.Eventually(t, func() bool { return api.callCount() == 2 }, time.Second, time.Millisecond)
	calls := api.calls()
	last := calls[len(calls)-1]
	assert.Equal(t, int64(12), last.ID)
	require.Len(t, last.Params.ParentParams, 1)
	assert.Equal(t, "region", last.Params.ParentParams[0].Name)
	assert.Equal(t, "Asia", last.Params.ParentParams[0].Value)
}

func TestParentEventReexecutesLinkedInstanceInPlace(t *testing.T) {
	api := &fakeBackend{instances: []report.InstanceWire{
		{ID: 3, ParentID: 1, Report: pieDefinition(30,
			&report.QueryParam{ID: 9, Name: "year", Fill: report.FillByBusinessOrParent})},
	}}
	s, bus := newEngine(t, api)

	c := New(s, bus, 3, Settings{}, nil)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Close()
	require.Equal(t, 1, api.callCount())

	bus.Publish(pubsub.Event{ID: 1, Payload: map[string]any{"name": "2024"}})

	require.Eventually(t, func() bool { return api.callCount() == 2 }, time.Second, time.Millisecond)
	calls := api.calls()
	last := calls[len(calls)-1]
	assert.Equal(t, int64(3), last.ID)
	require.Len(t, last.Params.ParentParams, 1)
	assert.Equal(t, "2024", last.Params.ParentParams[0].Value)
	assert.False(t, c.IsDrillDown())
}

func TestUnrelatedEventIsIgnored(t *testing.T) {
	api := &fakeBackend{instances: []report.InstanceWire{
		{ID: 3, Report: pieDefinition(30)},
	}}
	s, bus := newEngine(t, api)

	c := New(s, bus, 3, Settings{}, nil)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Close()

	bus.Publish(pubsub.Event{ID: 99, Payload: pubsub.Interaction{Name: "x"}})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, api.callCount())
}

func TestDrillDownWithoutDeclaredParamProceedsEmpty(t *testing.T) {
	api := &fakeBackend{instances: []report.InstanceWire{
		{ID: 7, DrillDownID: 12, Report: pieDefinition(70)},
		{ID: 12, ParentID: 7, Report: pieDefinition(71)},
	}}
	s, bus := newEngine(t, api)

	c := New(s, bus, 7, Settings{}, nil)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Close()

	c.Click("Asia")

	assert.Equal(t, int64(12), c.ActiveInstance().ID)
	require.Eventually(t, func() bool { return api.callCount() == 2 }, time.Second, time.Millisecond)
	calls := api.calls()
	assert.Empty(t, calls[len(calls)-1].Params.ParentParams)
}

func TestBackFromDrillDownRestoresMountedInstance(t *testing.T) {
	api := &fakeBackend{instances: []report.InstanceWire{
		{ID: 7, DrillDownID: 12, Report: pieDefinition(70)},
		{ID: 12, ParentID: 7, Report: pieDefinition(71,
			&report.QueryParam{ID: 5, Name: "region", Fill: report.FillByParent})},
	}}
	s, bus := newEngine(t, api)

	c := New(s, bus, 7, Settings{}, nil)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Close()

	c.Click("Asia")
	require.Eventually(t, func() bool { return api.callCount() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, c.BackFromDrillDown(context.Background()))
	assert.Equal(t, int64(7), c.ActiveInstance().ID)
	assert.False(t, c.IsDrillDown())
	assert.Empty(t, c.ParentParams())

	calls := api.calls()
	last := calls[len(calls)-1]
	assert.Equal(t, int64(7), last.ID)
	assert.Empty(t, last.Params.ParentParams)
}

func TestDateFilterCoercion(t *testing.T) {
	def := &report.Definition{
		ID:   1,
		Type: report.TypeTable,
		Query: report.Query{QueryFilters: []report.QueryFilter{
			{ID: 1, Name: "from", Type: report.FilterDate},
			{ID: 2, Name: "since", Type: report.FilterDateString},
			{ID: 3, Name: "city", Type: report.FilterText},
		}},
	}
	api := &fakeBackend{instances: []report.InstanceWire{{ID: 1, Report: def}}}
	s, bus := newEngine(t, api)

	c := New(s, bus, 1, Settings{}, nil)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Close()

	require.NoError(t, c.SetFilters(context.Background(), []report.Filter{
		{ID: 1, Value: "2024-03-20T00:00:00Z"},
		{ID: 2, Value: "2024-03-20T00:00:00Z"},
		{ID: 3, Value: "Tehran"},
	}))

	calls := api.calls()
	sent := calls[len(calls)-1].Params.FilterVOS
	require.Len(t, sent, 3)
	assert.Equal(t, "2024-03-20", sent[0].Value)
	// 2024-03-20 is Farvardin 1, 1403 in the Jalali calendar.
	assert.Equal(t, "1403-01-01", sent[1].Value)
	assert.Equal(t, "Tehran", sent[2].Value)
}

func TestExecutionErrorEntersErrorStateAndRetryRollsBack(t *testing.T) {
	api := &fakeBackend{
		instances: []report.InstanceWire{{ID: 1, Report: pieDefinition(1)}},
	}
	s, bus := newEngine(t, api)

	c := New(s, bus, 1, Settings{}, nil)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Close()

	// Stage an edit, then fail the next execution.
	c.SetOptions(report.Options{"title": map[string]any{"text": "custom"}})
	slot := c.ActiveInstance().Config.Slot(report.ModeLight, report.BreakpointLG)
	require.Contains(t, slot, "title")

	api.mu.Lock()
	api.execErr = map[int64]error{1: errors.New("query timeout")}
	api.mu.Unlock()
	require.Error(t, c.Refresh(context.Background()))
	assert.Equal(t, StateError, c.State())

	api.mu.Lock()
	api.execErr = nil
	api.mu.Unlock()
	require.NoError(t, c.Retry(context.Background()))

	assert.Equal(t, StateReady, c.State())
	slot = c.ActiveInstance().Config.Slot(report.ModeLight, report.BreakpointLG)
	assert.NotContains(t, slot, "title")

	calls := api.calls()
	assert.False(t, calls[len(calls)-1].Params.LoadFromCache)
}

func TestSetThemeIsVisibleToPeerControllers(t *testing.T) {
	api := &fakeBackend{instances: []report.InstanceWire{{ID: 1, Report: pieDefinition(1)}}}
	s, bus := newEngine(t, api)

	first := New(s, bus, 1, Settings{}, nil)
	require.NoError(t, first.Mount(context.Background()))
	defer first.Close()
	second := New(s, bus, 1, Settings{}, nil)
	require.NoError(t, second.Mount(context.Background()))
	defer second.Close()

	first.SetTheme("macarons")

	assert.Equal(t, "macarons", s.Get(1).Config.Theme)
	assert.Equal(t, "macarons", second.ActiveInstance().Config.Theme)
	assert.Equal(t, "macarons", first.Snapshot().Theme)
}

func TestMergedOptionsCombineThemeDataAndOverride(t *testing.T) {
	api := &fakeBackend{
		instances: []report.InstanceWire{{
			ID:     1,
			Report: pieDefinition(1),
			Config: `{"theme":"vintage","icon":"info","options":{"light":{"lg":{"legend":{"show":false}}},"dark":{}}}`,
		}},
		results: map[int64]*report.ExecutionResultWire{1: {
			Cols: []report.Column{{Name: "region"}, {Name: "revenue"}},
			Rows: []report.Row{{"Asia", 100}},
		}},
	}
	s, bus := newEngine(t, api)

	c := New(s, bus, 1, Settings{}, nil)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Close()

	merged := c.Options()
	assert.Contains(t, merged, "color")
	assert.Equal(t, false, merged["legend"].(map[string]any)["show"])
	series := merged["series"].([]any)
	require.Len(t, series, 1)
	assert.Equal(t, []any{100}, series[0].(map[string]any)["data"])
}

// gatedBackend blocks each execution until the test hands its per-call reply
// channel a result, allowing responses to resolve out of order.
type gatedBackend struct {
	fakeBackend
	replies []chan *report.ExecutionResultWire
}

func (g *gatedBackend) Execute(ctx context.Context, id int64, params report.ResolvedExecParams) (*report.ExecutionResultWire, error) {
	g.mu.Lock()
	reply := g.replies[len(g.execCalls)]
	g.execCalls = append(g.execCalls, execCall{ID: id, Params: params})
	g.mu.Unlock()
	return <-reply, nil
}

func TestStaleExecutionResponseIsDiscarded(t *testing.T) {
	api := &gatedBackend{
		fakeBackend: fakeBackend{instances: []report.InstanceWire{
			{ID: 1, Report: &report.Definition{ID: 1, Type: report.TypeTable}},
		}},
		replies: []chan *report.ExecutionResultWire{
			make(chan *report.ExecutionResultWire),
			make(chan *report.ExecutionResultWire),
		},
	}
	s := store.New(api, nil, nil)
	_, err := s.Instances(context.Background())
	require.NoError(t, err)
	bus := pubsub.NewBus(nil)

	c := New(s, bus, 1, Settings{}, nil)

	older := &report.ExecutionResultWire{Rows: []report.Row{{"old"}}, TotalCount: 1}
	newer := &report.ExecutionResultWire{Rows: []report.Row{{"new"}}, TotalCount: 2}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = c.Mount(context.Background())
	}()
	require.Eventually(t, func() bool { return api.callCount() == 1 }, time.Second, time.Millisecond)

	go func() {
		defer wg.Done()
		_ = c.Refresh(context.Background())
	}()
	require.Eventually(t, func() bool { return api.callCount() == 2 }, time.Second, time.Millisecond)

	// The newer execution resolves first; the older response arrives late
	// and must be dropped.
	api.replies[1] <- newer
	require.Eventually(t, func() bool {
		result := c.Result()
		return result != nil && result.TotalCount == 2
	}, time.Second, time.Millisecond)

	api.replies[0] <- older
	wg.Wait()

	assert.Equal(t, int64(2), c.Result().TotalCount)
	assert.Equal(t, StateReady, c.State())
	c.Close()
}

func TestCloseUnsubscribesFromBus(t *testing.T) {
	api := &fakeBackend{instances: []report.InstanceWire{
		{ID: 3, ParentID: 1, Report: pieDefinition(30,
			&report.QueryParam{ID: 9, Name: "year", Fill: report.FillByParent})},
	}}
	s, bus := newEngine(t, api)

	c := New(s, bus, 3, Settings{}, nil)
	require.NoError(t, c.Mount(context.Background()))
	require.Equal(t, 1, bus.Len())

	c.Close()
	assert.Zero(t, bus.Len())

	bus.Publish(pubsub.Event{ID: 1, Payload: pubsub.Interaction{Name: "2024"}})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, api.callCount())
}
