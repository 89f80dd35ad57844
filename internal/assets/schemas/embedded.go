// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time to ensure the CLI and library work
// correctly regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// PolicySchema is the embedded lifecycle-policy JSON schema.
//
// This allows policy validation to work in installed binaries and library
// consumers without requiring the schema files to be present on disk.
//
//go:embed policy.schema.json
var PolicySchema []byte

// RollupJobSchema is the embedded rollup-job JSON schema.
//
// This allows rollup job validation to work in installed binaries and library
// consumers without requiring the schema files to be present on disk.
//
//go:embed rollup-job.schema.json
var RollupJobSchema []byte
