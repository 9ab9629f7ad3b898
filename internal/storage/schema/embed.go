package schema

import "embed"

// Migrations holds the ordered goose upgrade steps, one file per version.
//
//go:embed migrations/*.sql
var Migrations embed.FS
