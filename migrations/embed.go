// Package migrations holds the PostgreSQL schema, applied in filename order
// by `clinic-server migrate up`.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
