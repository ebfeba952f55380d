// Package migrations carries the numbered schema scripts so binaries apply
// them without a checkout next to them.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
