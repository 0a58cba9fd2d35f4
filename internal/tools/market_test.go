package tools

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const stooqCSV = `Date,Open,High,Low,Close,Volume
2026-01-05,100.0,102.5,99.0,101.2,1000
2026-01-06,101.2,104.0,100.8,103.9,1200
bad,row,skipped,x,y
2026-01-07,103.9,105.0,102.0,104.4,900
`

func stubMarketServer(t *testing.T) (*httptest.Server, *url.Values) {
	t.Helper()
	var seen url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Query()
		w.Write([]byte(stooqCSV))
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestStockHistory(t *testing.T) {
	deps, _ := testDeps(t)
	srv, seen := stubMarketServer(t)
	deps.MarketDataURL = srv.URL
	deps.HTTP = srv.Client()

	out := runTool(t, deps.stockHistoryTool(), map[string]any{
		"symbol": "AAPL",
		"start":  "2026-01-01",
		"end":    "2026-01-31",
	})
	if (*seen).Get("s") != "aapl.us" {
		t.Fatalf("symbol param = %q", (*seen).Get("s"))
	}
	if (*seen).Get("d1") != "20260101" || (*seen).Get("d2") != "20260131" {
		t.Fatalf("date params = %v", *seen)
	}
	for _, want := range []string{
		`"symbol":"AAPL"`,
		`"rows":3`,
		`"first_close":101.2`,
		`"last_close":104.4`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("payload missing %q: %q", want, out)
		}
	}
}

func TestStockHistoryCSVExport(t *testing.T) {
	deps, _ := testDeps(t)
	srv, _ := stubMarketServer(t)
	deps.MarketDataURL = srv.URL
	deps.HTTP = srv.Client()

	out := runTool(t, deps.stockHistoryTool(), map[string]any{
		"symbol":     "msft",
		"start":      "2026-01-01",
		"export_csv": true,
	})
	if !strings.Contains(out, "\nCSV: /files/exports/msft_history.csv") {
		t.Fatalf("csv note missing: %q", out)
	}
	raw, err := os.ReadFile(filepath.Join(deps.Settings.ExportsDir(), "msft_history.csv"))
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 4 || lines[0] != "date,open,high,low,close" {
		t.Fatalf("csv = %q", raw)
	}
	if lines[1] != "2026-01-05,100,102.5,99,101.2" {
		t.Fatalf("csv row = %q", lines[1])
	}
}

func TestStockHistorySymbolRequired(t *testing.T) {
	deps, _ := testDeps(t)
	if _, err := deps.stockHistoryTool().Handler(nil, map[string]any{}); err == nil {
		t.Fatal("expected error for missing symbol")
	}
}

func TestNormalizeDate(t *testing.T) {
	loc := time.UTC
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2025-07-01", time.Date(2025, 7, 1, 0, 0, 0, 0, loc)},
		{"2025-07", time.Date(2025, 7, 1, 0, 0, 0, 0, loc)},
		{"2025", time.Date(2025, 1, 1, 0, 0, 0, 0, loc)},
		{"July 2025", time.Date(2025, 7, 1, 0, 0, 0, 0, loc)},
		{"juillet 2025", time.Date(2025, 7, 1, 0, 0, 0, 0, loc)},
		{"Févr. 2025", time.Date(2025, 2, 1, 0, 0, 0, 0, loc)},
		{"oct 2024", time.Date(2024, 10, 1, 0, 0, 0, 0, loc)},
	}
	for _, tc := range cases {
		got, err := normalizeDate(tc.in, loc)
		if err != nil {
			t.Fatalf("normalizeDate(%q): %v", tc.in, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("normalizeDate(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	_, err := normalizeDate("someday", loc)
	if err == nil || !strings.Contains(err.Error(), "Use YYYY-MM-DD, YYYY-MM, YYYY, or Month YYYY") {
		t.Fatalf("err = %v", err)
	}
}

func TestSummarizeHistoryRowsThins(t *testing.T) {
	rows := make([]priceRow, 200)
	for i := range rows {
		rows[i].Close = float64(i)
	}
	out := summarizeHistoryRows(rows)
	if len(out) != 60 {
		t.Fatalf("len = %d, want 60", len(out))
	}
	if out[0].Close != 0 || out[len(out)-1].Close != 199 {
		t.Fatalf("endpoints = %v, %v", out[0].Close, out[len(out)-1].Close)
	}
}
