// Package schema embeds the reference DDL internal/store's repositories
// assume exists. It never runs migrations itself — operators feed these
// files to their own migration tool; the schema name suffix (_v1, _v2,
// ...) lets more than one generation of the schema coexist during a
// rollout.
package schema

import _ "embed"

//go:embed sync.sql
var SyncDDL string

//go:embed app.sql
var AppDDL string
