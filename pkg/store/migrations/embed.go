// Package migrations holds the embedded schema migrations, one
// directory per dialect. Files are numbered and forward-only; the two
// dialects carry the same logical schema.
package migrations

import "embed"

//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
