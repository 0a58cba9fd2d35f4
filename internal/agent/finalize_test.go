package agent

import (
	"strings"
	"testing"
)

func TestFinalizeAppendsToolImages(t *testing.T) {
	tr := &turn{toolSummaries: []toolSummary{
		{name: "image_generate", result: "![sunset](/files/sunset.png)"},
	}}
	a := &Agent{}
	got := a.finalize(tr, "Here is your image.")
	if !strings.Contains(got, "![sunset](/files/sunset.png)") {
		t.Errorf("answer = %q", got)
	}
}

func TestFinalizeSkipsImagesAlreadyInAnswer(t *testing.T) {
	tr := &turn{toolSummaries: []toolSummary{
		{name: "image_generate", result: "![sunset](/files/sunset.png)"},
	}}
	a := &Agent{}
	answer := "Done: ![sunset](/files/sunset.png)"
	got := a.finalize(tr, answer)
	if strings.Count(got, "/files/sunset.png") != 1 {
		t.Errorf("image duplicated: %q", got)
	}
}

func TestFinalizeDeduplicatesAcrossTools(t *testing.T) {
	tr := &turn{toolSummaries: []toolSummary{
		{name: "plot_generate", result: "![plot](/files/a.svg)"},
		{name: "plot_generate", result: "saved again ![plot](/files/a.svg)"},
	}}
	a := &Agent{}
	got := a.finalize(tr, "Charted.")
	if strings.Count(got, "/files/a.svg") != 1 {
		t.Errorf("image duplicated: %q", got)
	}
}

func TestFinalizeAppendsSources(t *testing.T) {
	tr := &turn{latestSources: "sources:\n- [Go Blog](https://go.dev/blog)"}
	a := &Agent{}
	got := a.finalize(tr, "Go 1.24 is out.")
	if !strings.HasSuffix(got, "sources:\n- [Go Blog](https://go.dev/blog)") {
		t.Errorf("answer = %q", got)
	}
}

func TestFinalizeSkipsSourcesWhenAnswerCitesThem(t *testing.T) {
	tr := &turn{latestSources: "sources:\n- [Go Blog](https://go.dev/blog)"}
	a := &Agent{}
	answer := "Go 1.24 is out.\n\nSources:\n- [Go Blog](https://go.dev/blog)"
	got := a.finalize(tr, answer)
	if strings.Count(strings.ToLower(got), "sources:") != 1 {
		t.Errorf("sources duplicated: %q", got)
	}
}

func TestExtractMarkdownImages(t *testing.T) {
	refs := extractMarkdownImages("text ![a](u1) more ![](u2) bad ![x]() end")
	if len(refs) != 2 {
		t.Fatalf("refs = %+v", refs)
	}
	if refs[0].url != "u1" || refs[1].url != "u2" {
		t.Errorf("refs = %+v", refs)
	}
}
