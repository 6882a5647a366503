package persistence

import "embed"

//go:embed schema/*.sql
var MigrationFiles embed.FS

const MigrationDir = "schema"
