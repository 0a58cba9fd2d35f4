package tools

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEmailDraftMailto(t *testing.T) {
	deps, _ := testDeps(t)
	out := runTool(t, deps.emailDraftTool(), map[string]any{
		"to":      "alice@example.com, bob@example.com",
		"subject": "Budget review",
		"body":    "See attached.",
		"cc":      "carol@example.com",
	})

	if !strings.HasPrefix(out, "Email draft ready.\nMailto: mailto:alice@example.com,bob@example.com?") {
		t.Fatalf("draft = %q", out)
	}
	for _, want := range []string{
		"subject=Budget+review",
		"cc=carol%40example.com",
		"\nTo: alice@example.com, bob@example.com",
		"\nSubject: Budget review",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("draft missing %q: %q", want, out)
		}
	}
}

func TestEmailDraftNoRecipients(t *testing.T) {
	deps, _ := testDeps(t)
	out := runTool(t, deps.emailDraftTool(), map[string]any{"subject": "ping"})
	if !strings.Contains(out, "To: -") {
		t.Fatalf("draft without recipients = %q", out)
	}
}

func TestCalendarEventWritesICS(t *testing.T) {
	deps, _ := testDeps(t)
	out := runTool(t, deps.calendarEventTool(), map[string]any{
		"title":       "Team sync; planning",
		"start":       "2026-09-01T10:00",
		"description": "Quarterly agenda",
		"location":    "Room 4",
	})

	if !strings.HasPrefix(out, "Calendar event ready.\nTitle: Team sync; planning\nStart: 2026-09-01T10:00\nEnd: -\nICS: /files/exports/") {
		t.Fatalf("event = %q", out)
	}
	filename := out[strings.LastIndex(out, "/")+1:]
	raw, err := os.ReadFile(filepath.Join(deps.Settings.ExportsDir(), filename))
	if err != nil {
		t.Fatalf("read ics: %v", err)
	}
	ics := string(raw)
	for _, want := range []string{
		"BEGIN:VCALENDAR\r\n",
		"SUMMARY:Team sync\\; planning",
		"DTSTART;TZID=UTC:20260901T100000",
		"DTEND;TZID=UTC:20260901T110000",
		"LOCATION:Room 4",
		"DESCRIPTION:Quarterly agenda",
		"END:VEVENT\r\nEND:VCALENDAR\r\n",
	} {
		if !strings.Contains(ics, want) {
			t.Fatalf("ics missing %q:\n%s", want, ics)
		}
	}
}

func TestCalendarEventAllDay(t *testing.T) {
	deps, _ := testDeps(t)
	out := runTool(t, deps.calendarEventTool(), map[string]any{
		"title":   "Conference",
		"start":   "2026-09-10",
		"all_day": true,
	})
	filename := out[strings.LastIndex(out, "/")+1:]
	raw, err := os.ReadFile(filepath.Join(deps.Settings.ExportsDir(), filename))
	if err != nil {
		t.Fatalf("read ics: %v", err)
	}
	if !strings.Contains(string(raw), "DTSTART;VALUE=DATE:20260910") ||
		!strings.Contains(string(raw), "DTEND;VALUE=DATE:20260911") {
		t.Fatalf("all-day ics:\n%s", raw)
	}
}

func TestCalendarEventDuration(t *testing.T) {
	deps, _ := testDeps(t)
	out := runTool(t, deps.calendarEventTool(), map[string]any{
		"title":            "Standup",
		"start":            "2026-09-01T09:00",
		"duration_minutes": float64(15),
	})
	filename := out[strings.LastIndex(out, "/")+1:]
	raw, _ := os.ReadFile(filepath.Join(deps.Settings.ExportsDir(), filename))
	if !strings.Contains(string(raw), "DTEND;TZID=UTC:20260901T091500") {
		t.Fatalf("duration ics:\n%s", raw)
	}
}

func TestCalendarEventBadStart(t *testing.T) {
	deps, _ := testDeps(t)
	out := runTool(t, deps.calendarEventTool(), map[string]any{
		"title": "Broken",
		"start": "next tuesday",
	})
	if out != "Provide a valid start datetime (ISO 8601)." {
		t.Fatalf("bad start = %q", out)
	}
}

func TestParseEventTime(t *testing.T) {
	loc := time.UTC
	cases := []struct {
		in string
		ok bool
	}{
		{"2026-09-01T10:00:00Z", true},
		{"2026-09-01T10:00:00", true},
		{"2026-09-01T10:00", true},
		{"2026-09-01 10:00", true},
		{"tomorrow", false},
		{"", false},
	}
	for _, tc := range cases {
		if _, ok := parseEventTime(tc.in, loc); ok != tc.ok {
			t.Fatalf("parseEventTime(%q) ok = %v, want %v", tc.in, ok, tc.ok)
		}
	}
}

func TestSafeFilename(t *testing.T) {
	cases := []struct{ in, want string }{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{"my file (v2).txt", "myfilev2.txt"},
		{"...", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := safeFilename(tc.in); got != tc.want {
			t.Fatalf("safeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSplitList(t *testing.T) {
	got := splitList("a@x.com, b@x.com; c@x.com,,")
	want := []string{"a@x.com", "b@x.com", "c@x.com"}
	if len(got) != len(want) {
		t.Fatalf("splitList = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitList[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
