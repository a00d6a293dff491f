// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so manifest validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// MatrixManifestSchema is the embedded matrix-manifest JSON schema.
//
//go:embed matrix-manifest.schema.json
var MatrixManifestSchema []byte
