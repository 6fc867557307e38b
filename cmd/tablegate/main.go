// Package main provides the tablegate CLI.
//
// The CLI compiles requests against a schema file (or a live database) and
// a policies file, and prints the SQL that would run:
//   - compile: Compile a select, count, update or delete request
//   - insert: Compile (and optionally run) a nested insert payload
//   - paths: Show the shortest join path between two tables
//   - introspect: Write the schema of a live database as a schema file
//   - doctor: Run health checks on the schema and policies
//   - watch: Recompile a request every time the schema file changes
//
// Usage:
//
//	tablegate [flags] <command>
package main

func main() {
	Execute()
}
