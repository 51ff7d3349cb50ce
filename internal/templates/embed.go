// Package templates embeds the built-in workflow templates.
package templates

import (
	"embed"
	"io/fs"
)

// builtinTemplates holds workflows/*.yaml, one or more templates per file.
//
//go:embed workflows
var builtinTemplates embed.FS

// BuiltinFS returns the embedded filesystem rooted above workflows/.
func BuiltinFS() fs.FS {
	return builtinTemplates
}
