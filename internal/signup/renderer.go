package signup

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"

	"github.com/bissquit/signup-approval/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.html.tmpl
var templatesFS embed.FS

// Email subjects.
const (
	SubjectAdminSignup  = "New User Signup Approval"
	SubjectUserApproved = "Your account has been approved"
)

const (
	tmplAdminSignup    = "admin_signup"
	tmplUserApproved   = "user_approved"
	tmplApproveSuccess = "approve_success"
	tmplApproveError   = "approve_error"
)

// Renderer renders emails and approval pages from templates.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer creates a new renderer and loads all templates.
func NewRenderer() (*Renderer, error) {
	funcMap := template.FuncMap{
		"roleLabel": roleLabel,
	}

	r := &Renderer{templates: make(map[string]*template.Template)}

	for _, name := range []string{tmplAdminSignup, tmplUserApproved, tmplApproveSuccess, tmplApproveError} {
		filename := fmt.Sprintf("templates/%s.html.tmpl", name)

		content, err := templatesFS.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", filename, err)
		}

		tmpl, err := template.New(name).Funcs(funcMap).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}

		r.templates[name] = tmpl
	}

	return r, nil
}

// AdminSignup renders the email asking the administrator to approve user.
func (r *Renderer) AdminSignup(user *domain.User, approveURL string) (subject, body string, err error) {
	body, err = r.execute(tmplAdminSignup, map[string]any{
		"User":       user,
		"ApproveURL": approveURL,
	})
	if err != nil {
		return "", "", err
	}
	return SubjectAdminSignup, body, nil
}

// UserApproved renders the email telling user their account was approved.
func (r *Renderer) UserApproved(user *domain.User) (subject, body string, err error) {
	body, err = r.execute(tmplUserApproved, map[string]any{"User": user})
	if err != nil {
		return "", "", err
	}
	return SubjectUserApproved, body, nil
}

// ApproveSuccessPage renders the page shown after a successful approval.
func (r *Renderer) ApproveSuccessPage(user *domain.User) ([]byte, error) {
	page, err := r.execute(tmplApproveSuccess, map[string]any{"User": user})
	return []byte(page), err
}

// ApproveErrorPage renders the page shown when approval fails.
func (r *Renderer) ApproveErrorPage(message string) []byte {
	page, err := r.execute(tmplApproveError, map[string]any{"Message": message})
	if err != nil {
		return []byte(template.HTMLEscapeString(message))
	}
	return []byte(page)
}

func (r *Renderer) execute(name string, data any) (string, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("template not found: %s", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

var titleCaser = cases.Title(language.English)

func roleLabel(role domain.Role) string {
	if role == domain.RoleRP {
		return "RP"
	}
	return titleCaser.String(string(role))
}
