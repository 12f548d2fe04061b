// Package ir provides the document-side representation shared by docmap
// packages: JSON values, canonical JSON, revision ids, and the Record and
// Document shapes that the mapper converts between.
//
// This package contains type definitions and pure functions only. It imports
// attr and nothing else internal, so every other package can depend on it.
//
// Key design constraints:
//   - Stored bodies and revision hashes use RFC 8785 canonical JSON
//   - Revision ids are computed by the store, never incremented client-side
//   - All JSON tags use snake_case
package ir
