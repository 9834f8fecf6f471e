// Package replies builds reply text from templates.
package replies

import (
	"fmt"
	"reply-monitor/pkg/replier"
	"strings"
	"text/template"
	"unicode/utf8"
)

// DefaultTemplateID names the template used when no rule or keyword selects one.
const DefaultTemplateID = "default"

// Data is what a template body can reference.
type Data struct {
	Handle    string
	Author    string
	Permalink string
	Keywords  []string
	Keyword   string
}

// Builder renders replies from a fixed set of templates.
type Builder struct {
	templates map[string]*template.Template
	byID      map[string]replier.Template
	order     []replier.Template
}

// NewBuilder parses the templates. A template that fails to parse is a
// configuration error.
func NewBuilder(templates []replier.Template) (*Builder, error) {
	b := &Builder{
		templates: make(map[string]*template.Template, len(templates)),
		byID:      make(map[string]replier.Template, len(templates)),
	}
	for _, t := range templates {
		if t.ID == "" {
			return nil, fmt.Errorf("template without id: %w", replier.ErrConfigInvalid)
		}
		parsed, err := template.New(t.ID).Option("missingkey=zero").Parse(t.Body)
		if err != nil {
			return nil, fmt.Errorf("parse template %q: %w: %w", t.ID, replier.ErrConfigInvalid, err)
		}
		b.templates[t.ID] = parsed
		b.byID[t.ID] = t
		b.order = append(b.order, t)
	}
	return b, nil
}

// Select picks the template for a post. The first matched rule (in declaration
// order) that names an existing template wins; then the first template whose
// keyword appears in the post; then the default template.
func (b *Builder) Select(post *replier.Post, matched []replier.Rule) (replier.Template, bool) {
	for _, r := range matched {
		if r.TemplateID == "" {
			continue
		}
		if t, ok := b.byID[r.TemplateID]; ok {
			return t, true
		}
	}

	text := strings.ToLower(post.Text)
	for _, t := range b.order {
		if t.Keyword != "" && strings.Contains(text, strings.ToLower(t.Keyword)) {
			return t, true
		}
	}

	t, ok := b.byID[DefaultTemplateID]
	return t, ok
}

// Build renders the reply for a post. The rendered text must fit the platform
// reply limit; longer text is an error rather than silently truncated.
func (b *Builder) Build(handle string, post *replier.Post, matched []replier.Rule) (text, templateID string, err error) {
	t, ok := b.Select(post, matched)
	if !ok {
		return "", "", fmt.Errorf("no template for post %s: %w", post.ID, replier.ErrNotFound)
	}

	data := Data{
		Handle:    handle,
		Author:    post.Author,
		Permalink: post.URL,
	}
	for _, r := range matched {
		data.Keywords = append(data.Keywords, r.Keyword)
	}
	if len(data.Keywords) > 0 {
		data.Keyword = data.Keywords[0]
	}

	var sb strings.Builder
	if err := b.templates[t.ID].Execute(&sb, data); err != nil {
		return "", t.ID, fmt.Errorf("render template %q: %w", t.ID, err)
	}

	text = strings.TrimSpace(sb.String())
	if err := Validate(text); err != nil {
		return "", t.ID, err
	}
	return text, t.ID, nil
}

// Validate checks that a reply is non-empty and within the platform limit.
func Validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("reply is empty: %w", replier.ErrAdapterRejected)
	}
	if n := utf8.RuneCountInString(text); n > replier.MaxReplyLength {
		return fmt.Errorf("reply is %d characters, limit %d: %w", n, replier.MaxReplyLength, replier.ErrAdapterRejected)
	}
	return nil
}
