package email

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
)

// InvitationData is the template input for an organization invitation.
type InvitationData struct {
	OrganizationName string
	InviterName      string
	Role             string
	Link             string
	ExpiresInDays    int
}

var invitationHTML = htmltemplate.Must(htmltemplate.New("invitation").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Join {{.OrganizationName}}</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 0; background-color: #f5f5f5;">
<table role="presentation" style="width: 100%; border: 0;">
<tr><td style="padding: 40px 0; text-align: center;">
<table role="presentation" style="max-width: 480px; margin: 0 auto; background: #ffffff; border-radius: 8px;">
<tr><td style="padding: 32px 40px; text-align: center;">
<h1 style="margin: 0 0 16px; font-size: 22px; color: #1a1a1a;">You're invited to {{.OrganizationName}}</h1>
<p style="margin: 0 0 24px; color: #666; font-size: 15px; line-height: 1.5;">
{{if .InviterName}}{{.InviterName}} has invited you{{else}}You have been invited{{end}} to join as {{.Role}} and get access to the organization's courses.
</p>
<a href="{{.Link}}" style="display: inline-block; padding: 12px 32px; background: #2563eb; color: #ffffff; text-decoration: none; border-radius: 6px; font-size: 15px;">
Accept invitation
</a>
<p style="margin: 24px 0 0; color: #999; font-size: 13px;">
This invitation expires in {{.ExpiresInDays}} days.
</p>
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>`))

var invitationText = texttemplate.Must(texttemplate.New("invitation").Parse(`You're invited to {{.OrganizationName}}

{{if .InviterName}}{{.InviterName}} has invited you{{else}}You have been invited{{end}} to join as {{.Role}}.

Accept the invitation: {{.Link}}

This invitation expires in {{.ExpiresInDays}} days.
`))

// RenderInvitation renders the subject and both bodies of an invitation.
func RenderInvitation(data InvitationData) (subject, html, text string, err error) {
	var h, t bytes.Buffer
	if err := invitationHTML.Execute(&h, data); err != nil {
		return "", "", "", fmt.Errorf("rendering invitation html: %w", err)
	}
	if err := invitationText.Execute(&t, data); err != nil {
		return "", "", "", fmt.Errorf("rendering invitation text: %w", err)
	}
	return fmt.Sprintf("You're invited to join %s", data.OrganizationName), h.String(), t.String(), nil
}
