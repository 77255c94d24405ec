package core

import (
	"bytes"
	"context"
	htmltmpl "html/template"
	"io/fs"
	"net/mail"
	"path"
	"sort"
	"strings"
	texttmpl "text/template"

	"github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v3"
)

// CatalogFile lists the subject line of every template in a template directory.
const CatalogFile = "templates.yaml"

var ErrTemplateNotFound = errors.New("email template not found")

type (
	EmailMessage struct {
		To      []mail.Address
		Subject string
		BodyStr string // text/plain content

		// rendered contents
		TextContent string
		HTMLContent string // optional text/html alternative
	}

	ContextData struct {
		AppName string
		Data    interface{}
	}

	// EmailService is any service that can send emails
	EmailService interface {
		SendMessage(ctx context.Context, msg *EmailMessage) error
	}

	catalogEntry struct {
		Subject string `yaml:"subject"`
	}

	tmplEntry struct {
		subject *texttmpl.Template
		text    *texttmpl.Template
		html    *htmltmpl.Template
	}

	// Templates is a parsed, read-only set of email templates.
	Templates struct {
		appName string
		entries map[string]*tmplEntry
	}
)

func (m *EmailMessage) HasRecipients() bool { return len(m.To) > 0 }
func (m *EmailMessage) HasContent() bool    { return (m.TextContent != "") || (m.HTMLContent != "") }

// Render fills TextContent from BodyStr. HTMLContent is kept as set.
func (m *EmailMessage) Render() {
	if m.BodyStr != "" {
		m.TextContent = m.BodyStr
	}
}

// ParseTemplates loads every `<name>.txt` / `<name>.gohtml` pair under dir, each layered on
// `_base.txt` / `_base.gohtml`, and reads subjects from the catalog file when present.
func ParseTemplates(fsys fs.FS, dir, appName string, strict bool) (*Templates, error) {
	tmpls := &Templates{appName: appName, entries: make(map[string]*tmplEntry)}

	fps, err := fs.Glob(fsys, path.Join(dir, "*"))
	if err != nil {
		return nil, errors.Wrap(err, "listing templates")
	}

	entry := func(name string) *tmplEntry {
		e, ok := tmpls.entries[name]
		if !ok {
			e = new(tmplEntry)
			tmpls.entries[name] = e
		}
		return e
	}

	for _, fp := range fps {
		fname := path.Base(fp)
		ext := path.Ext(fname)
		if strings.HasPrefix(fname, "_") || !(ext == ".txt" || ext == ".gohtml") {
			continue
		}
		name := strings.TrimSuffix(fname, ext)

		if ext == ".txt" {
			tmpl, err := parseText(fsys, path.Join(dir, "_base.txt"), fp)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing %s", fname)
			}
			if strict {
				tmpl = tmpl.Option("missingkey=error")
			}
			entry(name).text = tmpl
		} else {
			tmpl, err := parseHTML(fsys, path.Join(dir, "_base.gohtml"), fp)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing %s", fname)
			}
			if strict {
				tmpl = tmpl.Option("missingkey=error")
			}
			entry(name).html = tmpl
		}
	}

	raw, err := fs.ReadFile(fsys, path.Join(dir, CatalogFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "reading template catalog")
	}
	if len(raw) > 0 {
		catalog := make(map[string]catalogEntry)
		if err = yaml.Unmarshal(raw, &catalog); err != nil {
			return nil, errors.Wrap(err, "decoding template catalog")
		}
		for name, ce := range catalog {
			e, ok := tmpls.entries[name]
			if !ok || ce.Subject == "" {
				continue
			}
			if e.subject, err = texttmpl.New(name + ".subject").Parse(ce.Subject); err != nil {
				return nil, errors.Wrapf(err, "parsing subject of %s", name)
			}
		}
	}
	return tmpls, nil
}

func parseText(fsys fs.FS, base, fp string) (*texttmpl.Template, error) {
	if _, err := fs.Stat(fsys, base); err != nil {
		return texttmpl.ParseFS(fsys, fp)
	}
	return texttmpl.ParseFS(fsys, base, fp)
}

func parseHTML(fsys fs.FS, base, fp string) (*htmltmpl.Template, error) {
	if _, err := fs.Stat(fsys, base); err != nil {
		return htmltmpl.ParseFS(fsys, fp)
	}
	return htmltmpl.ParseFS(fsys, base, fp)
}

func (t *Templates) Has(name string) bool {
	if t == nil {
		return false
	}
	_, ok := t.entries[name]
	return ok
}

// Names returns the sorted template names.
func (t *Templates) Names() []string {
	if t == nil {
		return nil
	}
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render executes the named template. A template without a text part renders an empty text body.
func (t *Templates) Render(name string, data interface{}) (subject, text, html string, err error) {
	if !t.Has(name) {
		return "", "", "", errors.Wrap(ErrTemplateNotFound, name)
	}
	e := t.entries[name]
	ctxData := ContextData{AppName: t.appName, Data: data}

	var buff bytes.Buffer
	if e.subject != nil {
		if err = e.subject.Execute(&buff, ctxData); err != nil {
			return "", "", "", errors.Wrapf(err, "rendering %s subject", name)
		}
		subject = strings.TrimSpace(buff.String())
		buff.Reset()
	}
	if e.text != nil {
		if err = e.text.Execute(&buff, ctxData); err != nil {
			return "", "", "", errors.Wrapf(err, "rendering %s.txt", name)
		}
		text = buff.String()
		buff.Reset()
	}
	if e.html != nil {
		if err = e.html.Execute(&buff, ctxData); err != nil {
			return "", "", "", errors.Wrapf(err, "rendering %s.gohtml", name)
		}
		html = buff.String()
	}
	return subject, text, html, nil
}

// Suggest returns the known template name closest to name, or "" when nothing is similar enough.
func (t *Templates) Suggest(name string) string {
	const minRatio = 0.6

	var best string
	var bestRatio float64
	for _, known := range t.Names() {
		ratio := difflib.NewMatcher(strings.Split(name, ""), strings.Split(known, "")).Ratio()
		if ratio > bestRatio {
			best, bestRatio = known, ratio
		}
	}
	if bestRatio < minRatio {
		return ""
	}
	return best
}
