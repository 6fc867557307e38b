package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"

	"github.com/pthm/tablegate"
	"github.com/pthm/tablegate/internal/cli"
)

// request is a request document split into the pieces Compile takes.
type request struct {
	where   any
	params  map[string]any
	payload any
	policy  any
}

// Keys of a request document that are not command parameters.
const (
	keyWhere   = "where"
	keyPayload = "payload"
	keyPolicy  = "policy"
)

// readRequest reads a request document. An empty path is an empty request.
func readRequest(path string) (*request, error) {
	if path == "" {
		return &request{params: map[string]any{}}, nil
	}
	doc, err := cli.ReadRequest(path)
	if err != nil {
		return nil, cli.ConfigError("reading request", err)
	}
	params := maps.Clone(doc)
	if params == nil {
		params = map[string]any{}
	}
	r := &request{
		where:   params[keyWhere],
		payload: params[keyPayload],
		policy:  params[keyPolicy],
	}
	delete(params, keyWhere)
	delete(params, keyPayload)
	delete(params, keyPolicy)
	r.params = params
	return r, nil
}

// printStatement writes stmt as SQL followed by one comment line per
// argument, or as a JSON object.
func printStatement(w io.Writer, stmt *tablegate.Statement, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"sql": stmt.SQL, "args": stmt.Args})
	}
	_, _ = fmt.Fprintln(w, stmt.SQL+";")
	for i, arg := range stmt.Args {
		_, _ = fmt.Fprintf(w, "-- $%d = %v\n", i+1, arg)
	}
	return nil
}
