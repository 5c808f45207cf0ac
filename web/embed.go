package web

import "embed"

// FS holds the live readings page served at /.
//
//go:embed index.html
var FS embed.FS
