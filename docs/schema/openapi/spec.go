// Package openapi embeds the labflow HTTP API description so the server can
// publish it next to the routes it documents.
package openapi

import _ "embed"

// LabflowSpec is the OpenAPI 3 document for /api/v1.
//
//go:embed labflow.yaml
var LabflowSpec []byte

// Spec returns a copy of the embedded OpenAPI YAML.
func Spec() []byte {
	return append([]byte(nil), LabflowSpec...)
}
