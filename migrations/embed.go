package migrations

import "embed"

// Files exposes embedded SQL migration files per driver, ordered lexicographically.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS
