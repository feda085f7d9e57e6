package report

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigMalformedFallsBackToDefault(t *testing.T) {
	require.NotPanics(t, func() {
		cfg := ParseConfig("not json")
		assert.Equal(t, "default", cfg.Theme)
		assert.Equal(t, "info", cfg.Icon)
		for _, mode := range []ColorMode{ModeLight, ModeDark} {
			for _, bp := range Breakpoints {
				assert.NotNil(t, cfg.Options[mode][bp])
			}
		}
	})
}

func TestParseConfigEmptyFallsBackToDefault(t *testing.T) {
	cfg := ParseConfig("")
	assert.Equal(t, "default", cfg.Theme)
}

func TestConfigRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Theme = "vintage"
	cfg.SetSlot(ModeDark, BreakpointMD, Options{"legend": map[string]any{"show": false}})

	wire, err := SerializeConfig(cfg)
	require.NoError(t, err)

	parsed := ParseConfig(wire)
	reserialized, err := SerializeConfig(parsed)
	require.NoError(t, err)

	var a, b any
	require.NoError(t, json.Unmarshal([]byte(wire), &a))
	require.NoError(t, json.Unmarshal([]byte(reserialized), &b))
	assert.Equal(t, a, b)
}

func TestNormalizeExecParamsDefaults(t *testing.T) {
	for _, params := range []*ExecParams{nil, {}} {
		resolved := NormalizeExecParams(params)
		assert.Equal(t, []Filter{}, resolved.FilterVOS)
		assert.Equal(t, []*QueryParam{}, resolved.ParentParams)
		assert.Equal(t, []OrderBy{}, resolved.OrderByElementVOS)
		assert.True(t, resolved.LoadFromCache)
		assert.Equal(t, 0, resolved.Page)
		assert.Equal(t, 0, resolved.Size)
		assert.Equal(t, int64(0), resolved.TotalCount)
	}
}

func TestNormalizeExecParamsExplicitLoadFromCacheFalse(t *testing.T) {
	fromCache := false
	resolved := NormalizeExecParams(&ExecParams{LoadFromCache: &fromCache})
	assert.False(t, resolved.LoadFromCache)
}

func TestFirstParentDerivedParam(t *testing.T) {
	def := &Definition{
		Query: Query{QueryParams: []*QueryParam{
			{ID: 1, Fill: FillByUser},
			{ID: 2, Fill: FillByParent},
			{ID: 3, Fill: FillByBusinessOrParent},
		}},
	}
	param := def.FirstParentDerivedParam()
	require.NotNil(t, param)
	assert.Equal(t, int64(2), param.ID)

	none := &Definition{Query: Query{QueryParams: []*QueryParam{{ID: 1, Fill: FillByUser}}}}
	assert.Nil(t, none.FirstParentDerivedParam())
}

func TestIsChart(t *testing.T) {
	assert.False(t, TypeScalar.IsChart())
	assert.False(t, TypeTable.IsChart())
	assert.False(t, TypeForm.IsChart())
	assert.True(t, TypePie.IsChart())
	assert.True(t, TypeLine.IsChart())
}

func TestInstanceWireDecode(t *testing.T) {
	wire := &InstanceWire{
		ID:     5,
		Config: `{"theme":"shine","icon":"warning","options":{"light":{"lg":{}},"dark":{}}}`,
	}
	instance := wire.Decode()
	assert.Equal(t, "shine", instance.Config.Theme)

	broken := &InstanceWire{ID: 6, Config: "{{{"}
	assert.Equal(t, "default", broken.Decode().Config.Theme)
}

func TestDisplayNameFallsBackToDefinition(t *testing.T) {
	instance := &Instance{Report: &Definition{Name: "Sales by Region"}}
	assert.Equal(t, "Sales by Region", instance.DisplayName())

	instance.Name = "My Copy"
	assert.Equal(t, "My Copy", instance.DisplayName())
}

func TestParseDefinitionConfig(t *testing.T) {
	assert.Equal(t, 30, ParseDefinitionConfig(`{"refreshInterval":30}`).RefreshInterval)
	assert.Zero(t, ParseDefinitionConfig("junk").RefreshInterval)
	assert.Zero(t, ParseDefinitionConfig("").RefreshInterval)
}
