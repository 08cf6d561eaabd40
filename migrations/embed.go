// Package migrations holds the goose migrations of the room store.
package migrations

import "embed"

// FS contains every migration at its root.
//
//go:embed *.sql
var FS embed.FS
