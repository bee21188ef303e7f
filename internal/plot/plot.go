// Package plot turns query results into renderer-neutral chart descriptions.
package plot

import (
	"fmt"

	"github.com/haasonsaas/datalens/internal/query"
)

// Spec is the chart request the LLM emits through the plot tool. It binds
// to the most recent query table in the same analysis.
type Spec struct {
	ChartType string `json:"chart_type"`
	Title     string `json:"title"`
	X         string `json:"x"`
	Y         string `json:"y"`
	Series    string `json:"series,omitempty"`
	YFormat   string `json:"y_format,omitempty"`
}

// Chart is the normalized output: a chart type, a title, and an option
// document shaped for ECharts-style renderers.
type Chart struct {
	Type   string         `json:"type"`
	Title  string         `json:"title"`
	Option map[string]any `json:"option"`
}

// Error reports a plot spec that does not fit the supplied table.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "invalid plot spec: " + e.Reason
}

var chartTypes = map[string]bool{
	"line": true, "bar": true, "pie": true, "scatter": true, "area": true,
}

// Normalise validates the spec against the table and builds the chart.
func Normalise(table *query.Table, spec *Spec) (*Chart, error) {
	if table == nil {
		return nil, &Error{Reason: "no query result to plot; run a query first"}
	}
	if !chartTypes[spec.ChartType] {
		return nil, &Error{Reason: fmt.Sprintf("unsupported chart type %q", spec.ChartType)}
	}

	cols := make(map[string]int, len(table.Columns))
	for i, c := range table.Columns {
		cols[c] = i
	}

	xi, ok := cols[spec.X]
	if !ok {
		return nil, &Error{Reason: fmt.Sprintf("x column %q is not in the result", spec.X)}
	}
	yi, ok := cols[spec.Y]
	if !ok {
		return nil, &Error{Reason: fmt.Sprintf("y column %q is not in the result", spec.Y)}
	}

	si := -1
	if spec.Series != "" && spec.ChartType != "pie" {
		si, ok = cols[spec.Series]
		if !ok {
			return nil, &Error{Reason: fmt.Sprintf("series column %q is not in the result", spec.Series)}
		}
	}

	switch spec.YFormat {
	case "", "plain", "percent":
	default:
		return nil, &Error{Reason: fmt.Sprintf("unsupported y_format %q", spec.YFormat)}
	}

	var option map[string]any
	switch spec.ChartType {
	case "pie":
		option = pieOption(table, spec, xi, yi)
	case "scatter":
		option = scatterOption(table, spec, xi, yi, si)
	default:
		option = axisOption(table, spec, xi, yi, si)
	}

	return &Chart{Type: spec.ChartType, Title: spec.Title, Option: option}, nil
}

func baseOption(spec *Spec) map[string]any {
	return map[string]any{
		"title":   map[string]any{"text": spec.Title},
		"tooltip": map[string]any{"trigger": "axis"},
	}
}

// axisOption covers line, bar, and area charts. With a series column the
// table is pivoted so each distinct series value becomes its own series
// over the shared x domain.
func axisOption(table *query.Table, spec *Spec, xi, yi, si int) map[string]any {
	option := baseOption(spec)

	seriesType := spec.ChartType
	area := false
	if seriesType == "area" {
		seriesType = "line"
		area = true
	}

	var xDomain []any
	xSeen := make(map[any]int)
	addX := func(v any) int {
		if idx, ok := xSeen[v]; ok {
			return idx
		}
		xSeen[v] = len(xDomain)
		xDomain = append(xDomain, v)
		return len(xDomain) - 1
	}

	var series []map[string]any
	if si < 0 {
		data := make([]any, 0, len(table.Rows))
		for _, row := range table.Rows {
			addX(row[xi])
			data = append(data, row[yi])
		}
		entry := map[string]any{"name": spec.Y, "type": seriesType, "data": data}
		if area {
			entry["areaStyle"] = map[string]any{}
		}
		series = append(series, entry)
	} else {
		// First pass collects the shared x domain in row order.
		for _, row := range table.Rows {
			addX(row[xi])
		}
		grouped := make(map[string][]any)
		var order []string
		for _, row := range table.Rows {
			key := fmt.Sprint(row[si])
			if _, ok := grouped[key]; !ok {
				grouped[key] = make([]any, len(xDomain))
				order = append(order, key)
			}
			grouped[key][xSeen[row[xi]]] = row[yi]
		}
		for _, key := range order {
			entry := map[string]any{"name": key, "type": seriesType, "data": grouped[key]}
			if area {
				entry["areaStyle"] = map[string]any{}
			}
			series = append(series, entry)
		}
		option["legend"] = map[string]any{"data": order}
	}

	option["xAxis"] = map[string]any{"type": "category", "data": xDomain, "name": spec.X}
	option["yAxis"] = yAxis(spec)
	option["series"] = series
	return option
}

func pieOption(table *query.Table, spec *Spec, xi, yi int) map[string]any {
	option := baseOption(spec)
	option["tooltip"] = map[string]any{"trigger": "item"}

	data := make([]map[string]any, 0, len(table.Rows))
	for _, row := range table.Rows {
		data = append(data, map[string]any{
			"name":  fmt.Sprint(row[xi]),
			"value": row[yi],
		})
	}
	option["series"] = []map[string]any{{
		"name": spec.Y, "type": "pie", "radius": "60%", "data": data,
	}}
	return option
}

func scatterOption(table *query.Table, spec *Spec, xi, yi, si int) map[string]any {
	option := baseOption(spec)
	option["tooltip"] = map[string]any{"trigger": "item"}
	option["xAxis"] = map[string]any{"type": "value", "name": spec.X}
	option["yAxis"] = yAxis(spec)

	if si < 0 {
		points := make([][]any, 0, len(table.Rows))
		for _, row := range table.Rows {
			points = append(points, []any{row[xi], row[yi]})
		}
		option["series"] = []map[string]any{{"name": spec.Y, "type": "scatter", "data": points}}
		return option
	}

	grouped := make(map[string][][]any)
	var order []string
	for _, row := range table.Rows {
		key := fmt.Sprint(row[si])
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], []any{row[xi], row[yi]})
	}
	var series []map[string]any
	for _, key := range order {
		series = append(series, map[string]any{"name": key, "type": "scatter", "data": grouped[key]})
	}
	option["legend"] = map[string]any{"data": order}
	option["series"] = series
	return option
}

func yAxis(spec *Spec) map[string]any {
	axis := map[string]any{"type": "value", "name": spec.Y}
	if spec.YFormat == "percent" {
		axis["axisLabel"] = map[string]any{"formatter": "{value}%"}
	}
	return axis
}
