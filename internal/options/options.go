// Package options folds saved per-(mode,breakpoint) chart option overrides
// together with freshly computed defaults. Everything here is pure: inputs
// are never mutated, outputs are fresh trees.
package options

import (
	"fmt"
	"strings"

	"github.com/reportdeck/report-engine/internal/report"
)

// Paths that must never be hand-edited through the advanced settings JSON.
// Series data is stripped separately because it lives inside an array.
var protectedPaths = []string{
	"dataset",
	"radar",
	"toolbox.feature.saveAsImage",
	"legend.textStyle",
}

// Editable returns a deep copy of the saved override with every computed
// subtree stripped: per-series "data" plus the protected paths above. The
// result is what the advanced settings affordance exposes for editing.
func Editable(opts report.Options) report.Options {
	out := deepCopyMap(opts)
	if out == nil {
		return report.Options{}
	}
	if series, ok := out["series"].([]any); ok {
		for _, el := range series {
			if m, ok := el.(map[string]any); ok {
				delete(m, "data")
			}
		}
	}
	for _, path := range protectedPaths {
		omitPath(out, strings.Split(path, "."))
	}
	return out
}

// Merge deep-merges option trees left to right, later sources winning. Maps
// merge key-wise and slices merge element-wise, so a stale saved override
// whose series predate new columns cannot discard freshly computed series
// data: the override's styling lands on top of the computed entries while
// computed entries it never knew about survive.
func Merge(sources ...report.Options) report.Options {
	out := report.Options{}
	for _, src := range sources {
		mergeMap(out, src)
	}
	return out
}

func mergeMap(dst, src map[string]any) {
	for key, sv := range src {
		dv, exists := dst[key]
		if !exists {
			dst[key] = deepCopyValue(sv)
			continue
		}
		switch svt := sv.(type) {
		case map[string]any:
			if dvt, ok := dv.(map[string]any); ok {
				mergeMap(dvt, svt)
				continue
			}
			dst[key] = deepCopyValue(sv)
		case []any:
			if dvt, ok := dv.([]any); ok {
				dst[key] = mergeSlice(dvt, svt)
				continue
			}
			dst[key] = deepCopyValue(sv)
		default:
			dst[key] = sv
		}
	}
}

func mergeSlice(dst, src []any) []any {
	n := len(dst)
	if len(src) > n {
		n = len(src)
	}
	out := make([]any, n)
	copy(out, dst)
	for i, sv := range src {
		if i >= len(dst) {
			out[i] = deepCopyValue(sv)
			continue
		}
		dm, dok := dst[i].(map[string]any)
		sm, sok := sv.(map[string]any)
		if dok && sok {
			merged := deepCopyMap(dm)
			mergeMap(merged, sm)
			out[i] = merged
			continue
		}
		out[i] = deepCopyValue(sv)
	}
	return out
}

func omitPath(m map[string]any, path []string) {
	if len(path) == 0 {
		return
	}
	if len(path) == 1 {
		delete(m, path[0])
		return
	}
	child, ok := m[path[0]].(map[string]any)
	if !ok {
		return
	}
	omitPath(child, path[1:])
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch vt := v.(type) {
	case map[string]any:
		return deepCopyMap(vt)
	case []any:
		out := make([]any, len(vt))
		for i, el := range vt {
			out[i] = deepCopyValue(el)
		}
		return out
	default:
		return v
	}
}

// ThemeDefaults computes the base option tree for a chart theme. These are
// the lowest-precedence source in a merge.
func ThemeDefaults(theme string) report.Options {
	defaults := report.Options{
		"tooltip": map[string]any{"show": true},
		"legend":  map[string]any{"show": true},
	}
	if theme != "" && theme != "default" {
		defaults["color"] = themePalette(theme)
	}
	return defaults
}

func themePalette(theme string) []any {
	palettes := map[string][]any{
		"vintage":  {"#d87c7c", "#919e8b", "#d7ab82", "#6e7074"},
		"macarons": {"#2ec7c9", "#b6a2de", "#5ab1ef", "#ffb980"},
		"shine":    {"#c12e34", "#e6b600", "#0098d9", "#2b821d"},
	}
	if p, ok := palettes[theme]; ok {
		return p
	}
	return []any{"#5470c6", "#91cc75", "#fac858", "#ee6666"}
}

// SeriesFromResult computes the data-bound option subtree for an execution
// result: the first column becomes the category axis, every remaining column
// one series. This is the middle-precedence source in a merge.
func SeriesFromResult(result *report.ExecutionResult) report.Options {
	if result == nil || len(result.Cols) == 0 {
		return report.Options{}
	}

	categories := make([]any, 0, len(result.Rows))
	for _, row := range result.Rows {
		if len(row) > 0 {
			categories = append(categories, fmt.Sprint(row[0]))
		}
	}

	series := make([]any, 0, len(result.Cols)-1)
	for col := 1; col < len(result.Cols); col++ {
		data := make([]any, 0, len(result.Rows))
		for _, row := range result.Rows {
			if col < len(row) {
				data = append(data, row[col])
			}
		}
		series = append(series, map[string]any{
			"name": result.Cols[col].Name,
			"data": data,
		})
	}

	return report.Options{
		"xAxis":  map[string]any{"data": categories},
		"series": series,
	}
}
