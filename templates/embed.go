// Package templates embeds the default configuration scaffold.
package templates

import "embed"

//go:embed stagehand.yaml
var FS embed.FS
