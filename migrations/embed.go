// Package migrations embeds the SQL schema applied by db.Migrate and the test
// harness.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
