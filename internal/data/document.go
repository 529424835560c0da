package data

import (
	"database/sql"
	"encoding/json"
)

// Document columns (payload, result, metadata) are stored as TEXT so rows written by
// other producers are never rejected; reads normalize them back into JSON.

func encodeDocument(doc json.RawMessage) sql.NullString {
	if len(doc) == 0 {
		return sql.NullString{}
	}
	if json.Valid(doc) {
		return sql.NullString{String: string(doc), Valid: true}
	}
	// Keep callers honest: store malformed input as a JSON string instead of corrupt text.
	quoted, err := json.Marshal(string(doc))
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(quoted), Valid: true}
}

// decodeDocument returns the stored JSON, or the raw text encoded as a JSON string when it is malformed.
func decodeDocument(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if json.Valid([]byte(ns.String)) {
		return json.RawMessage(ns.String)
	}
	quoted, err := json.Marshal(ns.String)
	if err != nil {
		return nil
	}
	return quoted
}
