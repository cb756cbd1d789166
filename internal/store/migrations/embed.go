// Package migrations embeds the cache DB schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
