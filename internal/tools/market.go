package tools

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"valet/internal/agent"
)

const dateHint = "Use YYYY-MM-DD, YYYY-MM, YYYY, or Month YYYY (e.g. 2025-07-01 or July 2025)."

func (d Deps) stockHistoryTool() agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "stock_history",
		Description: "Fetch daily OHLC price history for a stock or index symbol. Optionally export the rows as CSV.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"symbol":     map[string]any{"type": "string", "description": "Ticker symbol, e.g. AAPL or ^SPX."},
				"start":      map[string]any{"type": "string", "description": "Start date. " + dateHint},
				"end":        map[string]any{"type": "string", "description": "End date. Defaults to today."},
				"export_csv": map[string]any{"type": "boolean", "description": "Write the rows to a CSV file."},
			},
			"required": []string{"symbol"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			symbol := strings.TrimSpace(stringArg(args, "symbol"))
			if symbol == "" {
				return "", fmt.Errorf("symbol is required")
			}
			now := time.Now().In(d.Settings.Location())
			start := now.AddDate(-1, 0, 0)
			if raw := stringArg(args, "start"); raw != "" {
				t, err := normalizeDate(raw, d.Settings.Location())
				if err != nil {
					return "", err
				}
				start = t
			}
			end := now
			if raw := stringArg(args, "end"); raw != "" {
				t, err := normalizeDate(raw, d.Settings.Location())
				if err != nil {
					return "", err
				}
				end = t
			}
			if end.Before(start) {
				start, end = end, start
			}

			rows, err := fetchStooqHistory(ctx, d.httpClient(), d.marketBase(), symbol, start, end)
			if err != nil {
				return "", err
			}
			if len(rows) == 0 {
				return fmt.Sprintf("No price data found for %s in that range.", symbol), nil
			}

			var csvNote string
			if boolArg(args, "export_csv", false) {
				f := safeFilename(strings.ToLower(symbol) + "_history.csv")
				if f == "" || !strings.HasSuffix(f, ".csv") {
					f = "history.csv"
				}
				dir := d.Settings.ExportsDir()
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return "", err
				}
				path := filepath.Join(dir, f)
				if err := writeHistoryCSV(path, rows); err != nil {
					return "", fmt.Errorf("write csv: %w", err)
				}
				csvNote = fmt.Sprintf("\nCSV: /files/exports/%s", f)
			}

			payload, err := json.Marshal(map[string]any{
				"symbol": strings.ToUpper(symbol),
				"start":  rows[0].Date,
				"end":    rows[len(rows)-1].Date,
				"rows":   len(rows),
				"first_close": rows[0].Close,
				"last_close":  rows[len(rows)-1].Close,
				"history":     summarizeHistoryRows(rows),
			})
			if err != nil {
				return "", err
			}
			return string(payload) + csvNote, nil
		},
	}
}

type priceRow struct {
	Date  string  `json:"date"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// fetchStooqHistory pulls the daily CSV feed. Plain US symbols need a
// .us suffix; symbols that already carry a market suffix or index
// prefix are passed through.
func fetchStooqHistory(ctx context.Context, client *http.Client, base, symbol string, start, end time.Time) ([]priceRow, error) {
	sym := strings.ToLower(strings.TrimSpace(symbol))
	if !strings.Contains(sym, ".") && !strings.HasPrefix(sym, "^") {
		sym += ".us"
	}
	q := url.Values{}
	q.Set("s", sym)
	q.Set("d1", start.Format("20060102"))
	q.Set("d2", end.Format("20060102"))
	q.Set("i", "d")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch price history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price feed returned status %d", resp.StatusCode)
	}

	reader := csv.NewReader(io.LimitReader(resp.Body, 2<<20))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse price csv: %w", err)
	}
	var rows []priceRow
	for i, rec := range records {
		if i == 0 || len(rec) < 5 {
			continue
		}
		row := priceRow{Date: rec[0]}
		var bad bool
		for j, dst := range []*float64{&row.Open, &row.High, &row.Low, &row.Close} {
			v, err := strconv.ParseFloat(rec[j+1], 64)
			if err != nil {
				bad = true
				break
			}
			*dst = v
		}
		if bad {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// summarizeHistoryRows keeps the payload readable for the model by
// thinning long ranges to at most 60 evenly spaced rows.
func summarizeHistoryRows(rows []priceRow) []priceRow {
	const maxRows = 60
	if len(rows) <= maxRows {
		return rows
	}
	out := make([]priceRow, 0, maxRows)
	step := float64(len(rows)-1) / float64(maxRows-1)
	for i := 0; i < maxRows; i++ {
		out = append(out, rows[int(float64(i)*step+0.5)])
	}
	return out
}

func writeHistoryCSV(path string, rows []priceRow) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"date", "open", "high", "low", "close"}); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.Date,
			strconv.FormatFloat(r.Open, 'f', -1, 64),
			strconv.FormatFloat(r.High, 'f', -1, 64),
			strconv.FormatFloat(r.Low, 'f', -1, 64),
			strconv.FormatFloat(r.Close, 'f', -1, 64),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

var monthNames = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June, "july": time.July,
	"august": time.August, "september": time.September, "october": time.October,
	"november": time.November, "december": time.December,
	"janvier": time.January, "fevrier": time.February, "mars": time.March,
	"avril": time.April, "mai": time.May, "juin": time.June, "juillet": time.July,
	"aout": time.August, "septembre": time.September, "octobre": time.October,
	"novembre": time.November, "decembre": time.December,
	"jan": time.January, "feb": time.February, "fev": time.February,
	"fevr": time.February, "mar": time.March, "apr": time.April,
	"jun": time.June, "jul": time.July, "aug": time.August, "sep": time.September,
	"sept": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// normalizeDate accepts YYYY-MM-DD, YYYY-MM, YYYY, and "Month YYYY" in
// English or French.
func normalizeDate(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 2 {
		name := strings.Trim(deaccent(fields[0]), ".,")
		if month, ok := monthNames[name]; ok {
			if year, err := strconv.Atoi(fields[1]); err == nil && year >= 1900 && year <= 2200 {
				return time.Date(year, month, 1, 0, 0, 0, 0, loc), nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("could not parse date %q. %s", raw, dateHint)
}

var accentReplacer = strings.NewReplacer("é", "e", "è", "e", "ê", "e", "û", "u", "à", "a", "ù", "u")

func deaccent(s string) string {
	return accentReplacer.Replace(s)
}
