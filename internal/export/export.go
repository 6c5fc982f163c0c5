package export

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"path"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/bdougie/stagecut/internal/artifacts"
	"github.com/bdougie/stagecut/internal/models"
	"github.com/bdougie/stagecut/internal/stages"
)

// Timeline is what a stage document is rendered from.
type Timeline struct {
	Video     models.Video      `json:"video"`
	Stages    []models.Stage    `json:"stages"`
	Keyframes []models.Keyframe `json:"keyframes,omitempty"`
}

// Markdown renders the stage timeline of a video as a Markdown document.
func Markdown(t Timeline) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Stage timeline: %s\n\n", t.Video.ID)
	if t.Video.ProductName != "" {
		fmt.Fprintf(&b, "- Product: %s\n", t.Video.ProductName)
	}
	fmt.Fprintf(&b, "- Source: `%s`\n", t.Video.Path)
	if t.Video.Meta.HasDuration() {
		fmt.Fprintf(&b, "- Duration: %.2fs\n", t.Video.Meta.Duration)
	} else {
		b.WriteString("- Duration: unknown\n")
	}
	fmt.Fprintf(&b, "- Keyframes: %d\n", len(t.Keyframes))
	fmt.Fprintf(&b, "- Stages: %d\n\n", len(t.Stages))

	b.WriteString("## Stages\n\n")
	if len(t.Stages) == 0 {
		b.WriteString("No stages stored.\n")
	} else {
		b.WriteString("| # | Stage | Time | Duration | Description | Quality |\n")
		b.WriteString("|---|---|---|---|---|---|\n")
		for _, st := range t.Stages {
			fmt.Fprintf(&b, "| %d | %s | %s | %.2fs | %s | %s |\n",
				st.Ordinal+1,
				cell(st.Name),
				stages.FormatRange(st.Start, st.End),
				st.Duration,
				cell(st.Description),
				st.Quality,
			)
		}
	}

	if len(t.Keyframes) > 0 {
		b.WriteString("\n## Keyframes\n\n")
		for _, k := range t.Keyframes {
			label := fmt.Sprintf("%dms", k.TimestampMS())
			if k.Synthetic {
				label += " (end of video)"
			}
			if k.ImageRef != "" {
				fmt.Fprintf(&b, "- %s: `%s`\n", label, k.ImageRef)
			} else {
				fmt.Fprintf(&b, "- %s: no image\n", label)
			}
		}
	}
	return b.String()
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", " ")
}

var md = goldmark.New(
	goldmark.WithExtensions(extension.Table),
)

var page = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; max-width: 960px; margin: 2em auto; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// HTML converts a Markdown document into a standalone HTML page.
func HTML(title, markdown string) ([]byte, error) {
	var body bytes.Buffer
	if err := md.Convert([]byte(markdown), &body); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}

	var out bytes.Buffer
	err := page.Execute(&out, struct {
		Title string
		Body  template.HTML
	}{title, template.HTML(body.String())})
	if err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}
	return out.Bytes(), nil
}

// Result holds the references of the written documents.
type Result struct {
	MarkdownRef string
	HTMLRef     string
}

// Write renders t and stores timeline.md and timeline.html next to the
// video's keyframe images.
func Write(ctx context.Context, store artifacts.Store, t Timeline) (Result, error) {
	doc := Markdown(t)
	html, err := HTML("Stage timeline: "+t.Video.ID, doc)
	if err != nil {
		return Result{}, err
	}

	dir := artifacts.VideoDir(t.Video.ID)
	var res Result
	if res.MarkdownRef, err = store.Write(ctx, path.Join(dir, "timeline.md"), []byte(doc)); err != nil {
		return Result{}, fmt.Errorf("write markdown: %w", err)
	}
	if res.HTMLRef, err = store.Write(ctx, path.Join(dir, "timeline.html"), html); err != nil {
		return Result{}, fmt.Errorf("write html: %w", err)
	}
	return res, nil
}
