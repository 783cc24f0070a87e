package export

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRenderSlideHTML(t *testing.T) {
	slide := SlideContent{
		ID:         "sl-1",
		Background: "#102030",
		Elements: []ElementContent{
			{
				Kind:      "shape",
				Payload:   json.RawMessage(`{"x":10,"y":20,"width":100,"height":50,"fill":"#ff0000","shape":"ellipse"}`),
				SortOrder: 1,
			},
			{
				Kind:      "text",
				Payload:   json.RawMessage(`{"x":40,"y":60,"width":400,"height":80,"text":"Hello deck","fontSize":32,"color":"#ffffff"}`),
				SortOrder: 0,
			},
		},
	}

	html, err := RenderSlideHTML(slide)
	if err != nil {
		t.Fatalf("RenderSlideHTML() error = %v", err)
	}

	if !strings.Contains(html, "background: #102030") {
		t.Error("rendered HTML should carry the slide background")
	}
	if !strings.Contains(html, "Hello deck") {
		t.Error("rendered HTML should contain text element content")
	}
	if !strings.Contains(html, "font-size:32px") {
		t.Error("rendered HTML should carry the text font size")
	}
	if !strings.Contains(html, "ellipse") {
		t.Error("rendered HTML should carry the shape variant")
	}

	// Text element sorts before the shape.
	if strings.Index(html, "Hello deck") > strings.Index(html, "background:#ff0000") {
		t.Error("elements should render in sort order")
	}
}

func TestRenderSlideHTMLDefaults(t *testing.T) {
	html, err := RenderSlideHTML(SlideContent{ID: "sl-1"})
	if err != nil {
		t.Fatalf("RenderSlideHTML() error = %v", err)
	}
	if !strings.Contains(html, "background: #ffffff") {
		t.Error("empty background should default to white")
	}
}

func TestRenderSlideHTMLEscapesText(t *testing.T) {
	slide := SlideContent{
		ID: "sl-1",
		Elements: []ElementContent{
			{Kind: "text", Payload: json.RawMessage(`{"text":"<script>alert(1)</script>"}`)},
		},
	}

	html, err := RenderSlideHTML(slide)
	if err != nil {
		t.Fatalf("RenderSlideHTML() error = %v", err)
	}
	if strings.Contains(html, "<script>alert(1)</script>") {
		t.Error("element text must be HTML-escaped")
	}
}

func TestParseQuality(t *testing.T) {
	tests := []struct {
		in      string
		want    Quality
		wantErr bool
	}{
		{"", QualityStandard, false},
		{"draft", QualityDraft, false},
		{"standard", QualityStandard, false},
		{"high", QualityHigh, false},
		{"ultra", "", true},
	}

	for _, tt := range tests {
		got, err := ParseQuality(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseQuality(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseQuality(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseQuality(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestQualityTiersOrdered(t *testing.T) {
	if !(QualityDraft.Scale() < QualityStandard.Scale() && QualityStandard.Scale() < QualityHigh.Scale()) {
		t.Error("scale factors must increase draft < standard < high")
	}
	if !(QualityDraft.ImageQuality() < QualityStandard.ImageQuality() && QualityStandard.ImageQuality() < QualityHigh.ImageQuality()) {
		t.Error("image quality must increase draft < standard < high")
	}
}
