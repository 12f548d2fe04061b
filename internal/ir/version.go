package ir

// Version constants for the stored document format and the tool.
const (
	// FormatVersion is the document body format version. It is mixed into
	// revision hashes through DomainRevision.
	FormatVersion = "1"

	// Version is the docmap release version.
	Version = "0.1.0"
)
