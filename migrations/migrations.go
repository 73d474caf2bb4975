// Package migrations embeds the goose SQL migrations so the binaries and
// the integration harness apply the same schema.
package migrations

import "embed"

// FS holds every *.sql migration, named NNNNN_description.sql.
//
//go:embed *.sql
var FS embed.FS
