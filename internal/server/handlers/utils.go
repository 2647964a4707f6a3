package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// writeJSON encodes v and writes it with status. The body is buffered so an
// encoding failure can still be reported as an error response. A "pretty"
// query parameter of 1 or true indents the output.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if r != nil {
		if p := r.URL.Query().Get("pretty"); p == "1" || p == "true" {
			enc.SetIndent("", "  ")
		}
	}
	if err := enc.Encode(v); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, err := w.Write(buf.Bytes())
	return err
}
