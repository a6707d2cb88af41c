package mailer

import (
	"fmt"
	"html"
	"strings"
)

// renderText builds the plain-text notification body.
func renderText(p Payload) string {
	var b strings.Builder
	switch p.Type {
	case TypeBrochure:
		b.WriteString("A brochure was requested through the website.\n\n")
	default:
		b.WriteString("A new contact request was submitted through the website.\n\n")
	}
	fmt.Fprintf(&b, "Name:  %s\n", p.Name)
	fmt.Fprintf(&b, "Email: %s\n", p.Email)
	if p.Phone != "" {
		fmt.Fprintf(&b, "Phone: %s\n", p.Phone)
	}
	if p.Message != "" {
		fmt.Fprintf(&b, "\nMessage:\n%s\n", p.Message)
	}
	return b.String()
}

// renderHTML builds the HTML alternative. User-supplied values are
// escaped; the form is public and the body ends up in mail clients.
func renderHTML(p Payload) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	switch p.Type {
	case TypeBrochure:
		b.WriteString("<h2>Brochure request</h2>")
	default:
		b.WriteString("<h2>New contact request</h2>")
	}
	b.WriteString("<table>")
	fmt.Fprintf(&b, "<tr><td><b>Name</b></td><td>%s</td></tr>", html.EscapeString(p.Name))
	fmt.Fprintf(&b, "<tr><td><b>Email</b></td><td>%s</td></tr>", html.EscapeString(p.Email))
	if p.Phone != "" {
		fmt.Fprintf(&b, "<tr><td><b>Phone</b></td><td>%s</td></tr>", html.EscapeString(p.Phone))
	}
	b.WriteString("</table>")
	if p.Message != "" {
		fmt.Fprintf(&b, "<p>%s</p>", html.EscapeString(p.Message))
	}
	b.WriteString("</body></html>")
	return b.String()
}
