// Package migrations embeds the SQL migration files so the binary carries its
// own schema for every supported dialect.
package migrations

import "embed"

//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
