// Package appfs embeds the files the app ships with: database migrations and email templates.
package appfs

import "embed"

//go:embed migrations all:assets
var FS embed.FS
