package plot

import (
	"testing"

	"github.com/haasonsaas/datalens/internal/query"
)

func trendTable() *query.Table {
	return &query.Table{
		Columns: []string{"month", "account", "rate"},
		Rows: [][]any{
			{"2025-01", "acme", 0.8},
			{"2025-01", "globex", 0.7},
			{"2025-02", "acme", 0.9},
			{"2025-02", "globex", 0.6},
		},
		RowCount: 4,
	}
}

func TestNormaliseLineWithSeriesPivot(t *testing.T) {
	chart, err := Normalise(trendTable(), &Spec{
		ChartType: "line", Title: "Quality trend",
		X: "month", Y: "rate", Series: "account",
	})
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	if chart.Type != "line" || chart.Title != "Quality trend" {
		t.Errorf("chart header = %s/%s", chart.Type, chart.Title)
	}

	series, ok := chart.Option["series"].([]map[string]any)
	if !ok || len(series) != 2 {
		t.Fatalf("series = %v, want 2 entries after pivot", chart.Option["series"])
	}
	if series[0]["name"] != "acme" || series[1]["name"] != "globex" {
		t.Errorf("series names = %v, %v", series[0]["name"], series[1]["name"])
	}

	acme := series[0]["data"].([]any)
	if len(acme) != 2 || acme[0] != 0.8 || acme[1] != 0.9 {
		t.Errorf("acme data = %v, want [0.8 0.9] over the shared x domain", acme)
	}

	xAxis := chart.Option["xAxis"].(map[string]any)
	domain := xAxis["data"].([]any)
	if len(domain) != 2 || domain[0] != "2025-01" || domain[1] != "2025-02" {
		t.Errorf("x domain = %v", domain)
	}
}

func TestNormaliseAreaAddsAreaStyle(t *testing.T) {
	chart, err := Normalise(trendTable(), &Spec{
		ChartType: "area", X: "month", Y: "rate",
	})
	if err != nil {
		t.Fatal(err)
	}
	series := chart.Option["series"].([]map[string]any)
	if series[0]["type"] != "line" {
		t.Errorf("area renders as line type, got %v", series[0]["type"])
	}
	if _, ok := series[0]["areaStyle"]; !ok {
		t.Error("area chart needs areaStyle on its series")
	}
}

func TestNormalisePie(t *testing.T) {
	table := &query.Table{
		Columns:  []string{"account", "total"},
		Rows:     [][]any{{"acme", int64(22)}, {"globex", int64(12)}},
		RowCount: 2,
	}
	chart, err := Normalise(table, &Spec{
		ChartType: "pie", X: "account", Y: "total", Series: "ignored",
	})
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	series := chart.Option["series"].([]map[string]any)
	data := series[0]["data"].([]map[string]any)
	if len(data) != 2 {
		t.Fatalf("pie data = %v", data)
	}
	if data[0]["name"] != "acme" || data[0]["value"] != int64(22) {
		t.Errorf("pie slice = %v", data[0])
	}
}

func TestNormaliseScatterPairs(t *testing.T) {
	table := &query.Table{
		Columns:  []string{"x", "y"},
		Rows:     [][]any{{1.0, 2.0}, {3.0, 4.0}},
		RowCount: 2,
	}
	chart, err := Normalise(table, &Spec{ChartType: "scatter", X: "x", Y: "y"})
	if err != nil {
		t.Fatal(err)
	}
	series := chart.Option["series"].([]map[string]any)
	points := series[0]["data"].([][]any)
	if len(points) != 2 || points[0][0] != 1.0 || points[0][1] != 2.0 {
		t.Errorf("scatter points = %v", points)
	}
}

func TestNormalisePercentFormat(t *testing.T) {
	chart, err := Normalise(trendTable(), &Spec{
		ChartType: "bar", X: "month", Y: "rate", YFormat: "percent",
	})
	if err != nil {
		t.Fatal(err)
	}
	yAxis := chart.Option["yAxis"].(map[string]any)
	label, ok := yAxis["axisLabel"].(map[string]any)
	if !ok || label["formatter"] != "{value}%" {
		t.Errorf("yAxis = %v, want percent formatter", yAxis)
	}
}

func TestNormaliseRejections(t *testing.T) {
	tests := []struct {
		name string
		spec *Spec
	}{
		{"unknown chart", &Spec{ChartType: "radar", X: "month", Y: "rate"}},
		{"missing x", &Spec{ChartType: "line", X: "nope", Y: "rate"}},
		{"missing y", &Spec{ChartType: "line", X: "month", Y: "nope"}},
		{"missing series", &Spec{ChartType: "line", X: "month", Y: "rate", Series: "nope"}},
		{"bad y_format", &Spec{ChartType: "line", X: "month", Y: "rate", YFormat: "scientific"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Normalise(trendTable(), tt.spec); err == nil {
				t.Error("expected plot error")
			}
		})
	}
}

func TestNormaliseNilTable(t *testing.T) {
	if _, err := Normalise(nil, &Spec{ChartType: "line", X: "a", Y: "b"}); err == nil {
		t.Error("plotting without a prior query must fail")
	}
}
