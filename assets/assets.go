// Package assets provides the embedded static assets.
package assets

import "embed"

// EmailFS contains the email templates.
//
//go:embed emails/*.tmpl
var EmailFS embed.FS
