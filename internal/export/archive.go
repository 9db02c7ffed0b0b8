package export

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/nyashahama/survey-report-backend/internal/apperr"
)

// RecordFunc receives one respondent's values map. Returning an error stops
// decoding.
type RecordFunc func(values map[string]any) error

var errNoJSONMember = errors.New("archive has no json member")

// DecodeArchive opens a zipped export, picks its responses document and
// streams every respondent record to fn. It returns how many records were
// delivered.
//
// The member named *responses.json wins; otherwise the first *.json member is
// used. Numbers are delivered as json.Number.
func DecodeArchive(archive []byte, fn RecordFunc) (int, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return 0, apperr.Decode("export: open archive", err)
	}

	member := pickMember(zr.File)
	if member == nil {
		return 0, apperr.Decode("export: open archive", errNoJSONMember)
	}

	rc, err := member.Open()
	if err != nil {
		return 0, apperr.Decode("export: open "+member.Name, err)
	}
	defer rc.Close()

	return DecodeResponses(rc, fn)
}

func pickMember(files []*zip.File) *zip.File {
	var fallback *zip.File
	for _, f := range files {
		name := strings.ToLower(path.Base(f.Name))
		if strings.HasSuffix(name, "responses.json") {
			return f
		}
		if fallback == nil && strings.HasSuffix(name, ".json") {
			fallback = f
		}
	}
	return fallback
}

// DecodeResponses streams the `responses` array of an export document. Only
// one record is held in memory at a time; other top-level fields are
// skipped. A document without a `responses` field yields zero records.
func DecodeResponses(r io.Reader, fn RecordFunc) (int, error) {
	const op = "export: decode responses"

	dec := json.NewDecoder(r)
	dec.UseNumber()

	if err := expectDelim(dec, '{'); err != nil {
		return 0, apperr.Decode(op, err)
	}

	n := 0
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return n, apperr.Decode(op, err)
		}
		key, _ := tok.(string)
		if key != "responses" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return n, apperr.Decode(op, err)
			}
			continue
		}

		if err := expectDelim(dec, '['); err != nil {
			return n, apperr.Decode(op, fmt.Errorf("responses: %w", err))
		}
		for dec.More() {
			var rec struct {
				Values map[string]any `json:"values"`
			}
			if err := dec.Decode(&rec); err != nil {
				return n, apperr.Decode(op, fmt.Errorf("record %d: %w", n, err))
			}
			if err := fn(rec.Values); err != nil {
				return n, err
			}
			n++
		}
		if err := expectDelim(dec, ']'); err != nil {
			return n, apperr.Decode(op, err)
		}
	}

	if err := expectDelim(dec, '}'); err != nil {
		return n, apperr.Decode(op, err)
	}
	return n, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}
