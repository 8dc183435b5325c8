package endpoint

import (
	"encoding/json"
	"net/http"
)

// StringRenderer writes a text body. ContentType defaults to plain text unless
// the header is already set, and Status to 200.
type StringRenderer struct {
	Status      int
	Body        string
	ContentType string
}

func (sr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	switch {
	case sr.ContentType != "":
		w.Header().Set("Content-Type", sr.ContentType)
	case w.Header().Get("Content-Type") == "":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(statusOr(sr.Status, http.StatusOK))
	if sr.Body == "" {
		return nil
	}
	_, err := w.Write([]byte(sr.Body))
	return err
}

// BytesRenderer writes a body that is already encoded, such as a JSON-RPC
// response frame.
type BytesRenderer struct {
	Status      int
	Body        []byte
	ContentType string
}

func (br *BytesRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	if br.ContentType != "" {
		w.Header().Set("Content-Type", br.ContentType)
	}
	w.WriteHeader(statusOr(br.Status, http.StatusOK))
	if len(br.Body) == 0 {
		return nil
	}
	_, err := w.Write(br.Body)
	return err
}

// JSONRenderer serializes Value as JSON.
type JSONRenderer struct {
	Status int
	Value  any
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOr(jr.Status, http.StatusOK))
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(jr.Value)
}

// NoContentRenderer writes only a status, 204 by default.
type NoContentRenderer struct {
	Status int
}

func (nr *NoContentRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(statusOr(nr.Status, http.StatusNoContent))
	return nil
}

func statusOr(status, def int) int {
	if status == 0 {
		return def
	}
	return status
}
