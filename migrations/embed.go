// Package migrations holds the development warehouse schema applied by
// `sitrep-server migrate up`.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
