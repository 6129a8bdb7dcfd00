// Package migrations embeds the schema files for the funnel, conversation,
// calling, payment and subscription tables. The repo applies them in
// lexicographic order.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
