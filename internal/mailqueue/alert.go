package mailqueue

import (
	"bytes"
	"fmt"
	"html/template"
)

var alertTemplate = template.Must(template.New("dead_letter_alert").Parse(`<h2>Email delivery gave up</h2>
<p>An email could not be delivered and was moved to the failed state.</p>
<table>
  <tr><td><b>Entry:</b></td><td>{{.Entry.ID}}</td></tr>
  <tr><td><b>Type:</b></td><td>{{.Entry.Type}}</td></tr>
  <tr><td><b>Recipient:</b></td><td>{{.Entry.To}}</td></tr>
  <tr><td><b>Subject:</b></td><td>{{.Entry.Subject}}</td></tr>
  <tr><td><b>Attempts:</b></td><td>{{.Attempts}}</td></tr>
  <tr><td><b>Last error:</b></td><td>{{.Error}}</td></tr>
</table>`))

// renderAlert builds the operator alert for an entry that moved to failed.
func renderAlert(entry *Entry, attempts int, sendErr error) (subject, body string, err error) {
	var buf bytes.Buffer
	data := struct {
		Entry    *Entry
		Attempts int
		Error    string
	}{
		Entry:    entry,
		Attempts: attempts,
		Error:    sendErr.Error(),
	}
	if err := alertTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("execute alert template: %w", err)
	}
	return fmt.Sprintf("[Undeliverable] %s", entry.Subject), buf.String(), nil
}
