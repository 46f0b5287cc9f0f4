package schedule

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const dataURIPrefix = "data:text/plain;base64,"

// EncodeDataURI packs a document into a base64 data URI, the form in which
// inline data configs are handed to the pipeline
func EncodeDataURI(doc []byte) string {
	return dataURIPrefix + base64.StdEncoding.EncodeToString(doc)
}

// DecodeDataURI reverses EncodeDataURI
func DecodeDataURI(uri string) ([]byte, error) {
	if !IsDataURI(uri) {
		return nil, fmt.Errorf("not a data URI")
	}
	meta, payload, ok := strings.Cut(uri[len("data:"):], ",")
	if !ok {
		return nil, fmt.Errorf("malformed data URI")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return []byte(payload), nil
	}
	return base64.StdEncoding.DecodeString(payload)
}

// IsDataURI reports whether value is already a data URI
func IsDataURI(value string) bool {
	return len(value) >= 5 && strings.EqualFold(value[:5], "data:")
}
