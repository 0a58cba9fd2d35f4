package tools

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"valet/internal/agent"
)

// emailDraftTool renders a mailto: link the UI can open in the user's
// mail client. No platform automation; the draft itself lives in the URL.
func (d Deps) emailDraftTool() agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "email_draft",
		Description: "Create an email draft the user can open in their mail app.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to":      map[string]any{"description": "Recipient address or list of addresses."},
				"subject": map[string]any{"type": "string"},
				"body":    map[string]any{"type": "string"},
				"cc":      map[string]any{"description": "CC address or list."},
				"bcc":     map[string]any{"description": "BCC address or list."},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			to := stringListArg(args, "to")
			cc := stringListArg(args, "cc")
			bcc := stringListArg(args, "bcc")
			subject := strings.TrimSpace(stringArg(args, "subject"))
			body := strings.TrimSpace(stringArg(args, "body"))

			params := url.Values{}
			if subject != "" {
				params.Set("subject", subject)
			}
			if body != "" {
				params.Set("body", body)
			}
			if len(cc) > 0 {
				params.Set("cc", strings.Join(cc, ","))
			}
			if len(bcc) > 0 {
				params.Set("bcc", strings.Join(bcc, ","))
			}
			mailto := "mailto:" + strings.Join(to, ",")
			if encoded := params.Encode(); encoded != "" {
				mailto += "?" + encoded
			}

			toLine := "-"
			if len(to) > 0 {
				toLine = strings.Join(to, ", ")
			}
			subjectLine := subject
			if subjectLine == "" {
				subjectLine = "-"
			}
			return fmt.Sprintf("Email draft ready.\nMailto: %s\nTo: %s\nSubject: %s",
				mailto, toLine, subjectLine), nil
		},
	}
}

// calendarEventTool writes an RFC 5545 .ics file into the exports
// directory and returns its link; the user's calendar app imports it.
func (d Deps) calendarEventTool() agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "calendar_event",
		Description: "Create a calendar event (.ics) the user can import into their calendar.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":            map[string]any{"type": "string"},
				"start":            map[string]any{"type": "string", "description": "ISO 8601 start, or YYYY-MM-DD when all_day."},
				"end":              map[string]any{"type": "string"},
				"duration_minutes": map[string]any{"type": "integer"},
				"all_day":          map[string]any{"type": "boolean"},
				"timezone":         map[string]any{"type": "string"},
				"location":         map[string]any{"type": "string"},
				"description":      map[string]any{"type": "string"},
			},
			"required": []string{"title", "start"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return d.createCalendarEvent(args)
		},
	}
}

func (d Deps) createCalendarEvent(args map[string]any) (string, error) {
	title := strings.TrimSpace(stringArg(args, "title"))
	if title == "" {
		return "Provide a title for the event.", nil
	}

	tzName := strings.TrimSpace(stringArg(args, "timezone"))
	if tzName == "" {
		tzName = d.Settings.Timezone
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		loc = time.UTC
		tzName = "UTC"
	}

	allDay := boolArg(args, "all_day", false)
	startRaw := strings.TrimSpace(stringArg(args, "start"))
	endRaw := strings.TrimSpace(stringArg(args, "end"))
	location := strings.TrimSpace(stringArg(args, "location"))
	description := strings.TrimSpace(stringArg(args, "description"))

	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Valet//Calendar//EN",
		"CALSCALE:GREGORIAN",
		"METHOD:PUBLISH",
		"BEGIN:VEVENT",
		"UID:" + uuid.NewString(),
		"DTSTAMP:" + time.Now().UTC().Format("20060102T150405Z"),
		"SUMMARY:" + icalEscape(title),
	}

	if allDay {
		startDate, err := time.ParseInLocation("2006-01-02", startRaw, loc)
		if err != nil {
			return "Provide a start date for the all-day event (YYYY-MM-DD).", nil
		}
		endDate := startDate.AddDate(0, 0, 1)
		if endRaw != "" {
			if parsed, err := time.ParseInLocation("2006-01-02", endRaw, loc); err == nil && parsed.After(startDate) {
				endDate = parsed
			}
		}
		lines = append(lines,
			"DTSTART;VALUE=DATE:"+startDate.Format("20060102"),
			"DTEND;VALUE=DATE:"+endDate.Format("20060102"),
		)
	} else {
		start, ok := parseEventTime(startRaw, loc)
		if !ok {
			return "Provide a valid start datetime (ISO 8601).", nil
		}
		end := time.Time{}
		if endRaw != "" {
			end, ok = parseEventTime(endRaw, loc)
			if !ok {
				return "Provide a valid end datetime (ISO 8601).", nil
			}
		} else {
			minutes := 60
			if v, ok := intArg(args, "duration_minutes"); ok && v > 0 {
				minutes = v
			}
			end = start.Add(time.Duration(minutes) * time.Minute)
		}
		if !end.After(start) {
			end = start.Add(30 * time.Minute)
		}
		lines = append(lines,
			fmt.Sprintf("DTSTART;TZID=%s:%s", tzName, start.In(loc).Format("20060102T150405")),
			fmt.Sprintf("DTEND;TZID=%s:%s", tzName, end.In(loc).Format("20060102T150405")),
		)
	}

	if location != "" {
		lines = append(lines, "LOCATION:"+icalEscape(location))
	}
	if description != "" {
		lines = append(lines, "DESCRIPTION:"+icalEscape(description))
	}
	lines = append(lines, "END:VEVENT", "END:VCALENDAR")

	stem := safeFilename(strings.ReplaceAll(strings.ToLower(title), " ", "_"))
	if stem == "" {
		stem = "event"
	}
	filename := fmt.Sprintf("%s_%s.ics", stem, time.Now().UTC().Format("20060102150405"))
	dir := d.Settings.ExportsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(strings.Join(lines, "\r\n")+"\r\n"), 0o644); err != nil {
		return "", err
	}

	endLine := endRaw
	if endLine == "" {
		endLine = "-"
	}
	return fmt.Sprintf("Calendar event ready.\nTitle: %s\nStart: %s\nEnd: %s\nICS: /files/exports/%s",
		title, startRaw, endLine, filename), nil
}

// parseEventTime accepts ISO 8601 with or without zone, and the common
// "YYYY-MM-DD HH:MM" shape. Zone-less values resolve in loc.
func parseEventTime(raw string, loc *time.Location) (time.Time, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return time.Time{}, false
	}
	if !strings.Contains(text, "T") && strings.Contains(text, " ") {
		text = strings.Replace(text, " ", "T", 1)
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, text, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func icalEscape(value string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		"\n", `\n`,
		",", `\,`,
		";", `\;`,
	)
	return r.Replace(value)
}

// splitList splits a comma or semicolon separated address list.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';'
	}) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// safeFilename strips path separators and control characters so a model
// supplied name cannot escape the target directory.
func safeFilename(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return ""
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), ".")
}
