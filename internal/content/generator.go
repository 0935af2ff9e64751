// Package content генерирует тему и текст персонального письма.
package content

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/shaiso/Outreach/internal/domain"
	"github.com/shaiso/Outreach/internal/matching"
)

// Requester — отправитель рассылки.
type Requester struct {
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Title       string   `json:"title,omitempty"`
	Institution string   `json:"institution,omitempty"`
	Interests   []string `json:"interests"`
	Signature   string   `json:"signature,omitempty"`
}

// Profile возвращает профиль для ранжирования.
func (r Requester) Profile() matching.Profile {
	return matching.Profile{Interests: r.Interests}
}

// Content — сгенерированное письмо.
type Content struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Generator создаёт контент для одного получателя.
//
// Ошибки оборачивают domain.ErrGeneration.
type Generator interface {
	Generate(ctx context.Context, requester Requester, recipient matching.Ranked) (Content, error)
}

// Data — данные, доступные в шаблонах.
//
//	{{ .Requester.Name }}
//	{{ .Recipient.Name }}
//	{{ join ", " .Shared }}
type Data struct {
	Requester Requester
	Recipient matching.Candidate
	Score     float64
	Reasons   []string
	Shared    []string
}

const (
	DefaultSubject = `{{ with first .Shared }}Collaboration on {{ . }}{{ else }}Research collaboration{{ end }}`
	DefaultBody    = `Dear {{ default "colleague" .Recipient.Name }},

{{ if .Shared }}I came across your work on {{ join ", " .Shared }} and it is closely related to what I am doing.{{ else }}I came across your work and would love to learn more about it.{{ end }}
{{- with .Requester.Institution }} I am {{ with $.Requester.Title }}{{ . }} {{ end }}at {{ . }}.{{ end }}

Would you be open to a short call in the coming weeks?

{{ default .Requester.Name .Requester.Signature }}`
)

// templateFuncs — функции шаблонов.
var templateFuncs = template.FuncMap{
	"default": func(def string, val string) string {
		if strings.TrimSpace(val) == "" {
			return def
		}
		return val
	},
	"first": func(items []string) string {
		if len(items) == 0 {
			return ""
		}
		return items[0]
	},
	"join":  func(sep string, items []string) string { return strings.Join(items, sep) },
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	"trim":  strings.TrimSpace,
}

// TemplateGenerator рендерит text/template.
type TemplateGenerator struct {
	subject *template.Template
	body    *template.Template
}

// NewTemplateGenerator парсит шаблоны. Пустые строки — шаблоны по умолчанию.
func NewTemplateGenerator(subject, body string) (*TemplateGenerator, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if body == "" {
		body = DefaultBody
	}

	st, err := template.New("subject").Funcs(templateFuncs).Option("missingkey=error").Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("parse subject template: %w", err)
	}
	bt, err := template.New("body").Funcs(templateFuncs).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	return &TemplateGenerator{subject: st, body: bt}, nil
}

// Generate рендерит письмо для получателя.
func (g *TemplateGenerator) Generate(ctx context.Context, requester Requester, recipient matching.Ranked) (Content, error) {
	if err := ctx.Err(); err != nil {
		return Content{}, fmt.Errorf("%w: %v", domain.ErrGeneration, err)
	}

	data := Data{
		Requester: requester,
		Recipient: recipient.Candidate,
		Score:     recipient.Score,
		Reasons:   recipient.Reasons,
		Shared:    matching.SharedInterests(requester.Profile(), recipient.Candidate),
	}

	subject, err := render(g.subject, data)
	if err != nil {
		return Content{}, err
	}
	body, err := render(g.body, data)
	if err != nil {
		return Content{}, err
	}

	subject = strings.Join(strings.Fields(subject), " ")
	if subject == "" || strings.TrimSpace(body) == "" {
		return Content{}, fmt.Errorf("%w: empty subject or body for %s", domain.ErrGeneration, recipient.Candidate.ID)
	}
	return Content{Subject: subject, Body: strings.TrimSpace(body)}, nil
}

func render(t *template.Template, data Data) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: render %s: %v", domain.ErrGeneration, t.Name(), err)
	}
	return buf.String(), nil
}
