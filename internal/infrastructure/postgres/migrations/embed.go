package migrations

import "embed"

// FS contains embedded Postgres migrations for the event index.
//
//go:embed *.sql
var FS embed.FS
