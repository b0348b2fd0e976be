package types

// Migration is a database schema change identified by a unique ID. The SQL
// document holds both directions, separated by the `-- +migrate Up` marker
// (down section first).
type Migration struct {
	ID  string
	SQL string
}
