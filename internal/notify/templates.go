package notify

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/nudgecrm/internal/crm"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// DefaultIncentive is the reactivation offer used when none is configured.
const DefaultIncentive = "15% off your first session back"

// EmailData is the template input. Practice and Incentive are filled from
// the Templates settings when left empty.
type EmailData struct {
	Practice          string
	Incentive         string
	FirstName         string
	PackageName       string
	SessionsRemaining int
	TotalSessions     int
}

// Templates renders the automation emails.
type Templates struct {
	practice  string
	incentive string
	tmpl      *template.Template
}

// NewTemplates parses the embedded templates.
func NewTemplates(practice, incentive string) (*Templates, error) {
	if incentive == "" {
		incentive = DefaultIncentive
	}
	tmpl, err := template.New("emails").
		Funcs(template.FuncMap{
			"greet":  Greeting,
			"plural": plural,
		}).
		Option("missingkey=error").
		ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}
	return &Templates{practice: practice, incentive: incentive, tmpl: tmpl}, nil
}

// Render produces the subject and body for an email type.
func (t *Templates) Render(typ crm.EmailType, data EmailData) (subject, body string, err error) {
	if data.Practice == "" {
		data.Practice = t.practice
	}
	if data.Incentive == "" {
		data.Incentive = t.incentive
	}
	if t.tmpl.Lookup(string(typ)+".body") == nil {
		return "", "", crm.NewInvalidError("no template for email type %q", typ)
	}

	if subject, err = t.exec(string(typ)+".subject", data); err != nil {
		return "", "", err
	}
	if body, err = t.exec(string(typ)+".body", data); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(subject), body, nil
}

func (t *Templates) exec(name string, data EmailData) (string, error) {
	var buf bytes.Buffer
	if err := t.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// Greeting normalizes a first name for a salutation: NFC composed and title
// cased. An empty name becomes "there".
func Greeting(name string) string {
	name = strings.TrimSpace(norm.NFC.String(name))
	if name == "" {
		return "there"
	}
	// Casers keep state and must not be shared across goroutines.
	return cases.Title(language.English).String(name)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
