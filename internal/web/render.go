// Package web renders the relay's embedded dashboard templates.
package web

import (
	"embed"
	"html/template"
	"io"
	"log"
	"sync"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var loadTemplates = sync.OnceValue(func() *template.Template {
	return template.Must(template.New("base").ParseFS(templateFS, "templates/*.html"))
})

// Render writes the named template (wrapped by base) to w, stamping the
// render time into data as Now. A missing or broken page falls back to
// the bare base shell.
func Render(w io.Writer, name string, data map[string]any) error {
	tmpl := loadTemplates()
	if data == nil {
		data = map[string]any{}
	}
	data["Now"] = time.Now().Format(time.RFC822)
	if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
		log.Printf("template %q exec error: %v", name, err)
		return tmpl.ExecuteTemplate(w, "base", data)
	}
	return nil
}
