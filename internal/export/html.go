package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"sort"
)

// Base slide geometry in CSS pixels, 16:9.
const (
	slideWidthPx  = 1280
	slideHeightPx = 720
)

// elementView is the template-facing shape of one canvas element.
type elementView struct {
	Kind     string
	X        float64
	Y        float64
	Width    float64
	Height   float64
	Text     string
	FontSize float64
	Color    string
	Fill     string
	Shape    string
	ImageURL string
}

type slideView struct {
	Background string
	Width      int
	Height     int
	Elements   []elementView
}

// elementPayload is the JSON shape stored per element. Unknown fields are
// ignored so older decks keep rendering.
type elementPayload struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Text     string  `json:"text"`
	FontSize float64 `json:"fontSize"`
	Color    string  `json:"color"`
	Fill     string  `json:"fill"`
	Shape    string  `json:"shape"`
	URL      string  `json:"url"`
}

var slideTemplate = template.Must(template.New("slide").Parse(slideTemplateHTML))

// RenderSlideHTML produces a standalone HTML page for one slide, sized to
// the base slide geometry. The page carries no external resources except
// element image URLs, so it renders deterministically in a headless browser.
func RenderSlideHTML(slide SlideContent) (string, error) {
	view := slideView{
		Background: slide.Background,
		Width:      slideWidthPx,
		Height:     slideHeightPx,
	}
	if view.Background == "" {
		view.Background = "#ffffff"
	}

	elements := make([]ElementContent, len(slide.Elements))
	copy(elements, slide.Elements)
	sort.SliceStable(elements, func(i, j int) bool {
		return elements[i].SortOrder < elements[j].SortOrder
	})

	for _, el := range elements {
		var p elementPayload
		if len(el.Payload) > 0 {
			if err := json.Unmarshal(el.Payload, &p); err != nil {
				return "", fmt.Errorf("decode element payload: %w", err)
			}
		}
		ev := elementView{
			Kind:     el.Kind,
			X:        p.X,
			Y:        p.Y,
			Width:    p.Width,
			Height:   p.Height,
			Text:     p.Text,
			FontSize: p.FontSize,
			Color:    p.Color,
			Fill:     p.Fill,
			Shape:    p.Shape,
			ImageURL: p.URL,
		}
		if ev.FontSize == 0 {
			ev.FontSize = 24
		}
		if ev.Color == "" {
			ev.Color = "#000000"
		}
		if ev.Fill == "" {
			ev.Fill = "#cccccc"
		}
		view.Elements = append(view.Elements, ev)
	}

	var buf bytes.Buffer
	if err := slideTemplate.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render slide template: %w", err)
	}
	return buf.String(), nil
}

const slideTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <style>
    * { margin: 0; padding: 0; box-sizing: border-box; }
    html, body { width: {{.Width}}px; height: {{.Height}}px; overflow: hidden; }
    body { background: {{.Background}}; position: relative; font-family: Arial, Helvetica, sans-serif; }
    .el { position: absolute; }
    .el.text { white-space: pre-wrap; word-break: break-word; }
    .el.shape.ellipse { border-radius: 50%; }
    .el.image img { width: 100%; height: 100%; object-fit: contain; }
  </style>
</head>
<body>
{{range .Elements}}
  {{if eq .Kind "text"}}
  <div class="el text" style="left:{{.X}}px;top:{{.Y}}px;width:{{.Width}}px;height:{{.Height}}px;font-size:{{.FontSize}}px;color:{{.Color}};">{{.Text}}</div>
  {{else if eq .Kind "shape"}}
  <div class="el shape {{.Shape}}" style="left:{{.X}}px;top:{{.Y}}px;width:{{.Width}}px;height:{{.Height}}px;background:{{.Fill}};"></div>
  {{else if eq .Kind "image"}}
  <div class="el image" style="left:{{.X}}px;top:{{.Y}}px;width:{{.Width}}px;height:{{.Height}}px;"><img src="{{.ImageURL}}" alt=""></div>
  {{end}}
{{end}}
</body>
</html>`
