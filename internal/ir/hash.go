package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainRevision = "docmap/revision/v1"
)

// DigestPrefix marks attachment digests.
const DigestPrefix = "sha256-"

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00}) // Null separator - CRITICAL for security
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest returns the content digest of attachment data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return DigestPrefix + hex.EncodeToString(sum[:])
}

// RevisionHash computes the content hash for a revision written as a child
// of parent. Identical content written on two replicas against the same
// parent hashes identically, so replication converges instead of creating
// spurious conflicts.
func RevisionHash(parent Rev, deleted bool, fields IRObject, atts map[string]AttachmentRef) (string, error) {
	digests := make(IRObject, len(atts))
	for name, ref := range atts {
		digests[name] = IRString(ref.Digest)
	}
	if fields == nil {
		fields = IRObject{}
	}
	obj := IRObject{
		"parent":      IRString(parent),
		"deleted":     IRBool(deleted),
		"fields":      fields,
		"attachments": digests,
	}

	canonical, err := marshalHashInput(obj)
	if err != nil {
		return "", fmt.Errorf("RevisionHash: failed to marshal: %w", err)
	}

	return hashWithDomain(DomainRevision, canonical)[:32], nil
}

// NextRev computes the revision id of a child of parent.
func NextRev(parent Rev, deleted bool, fields IRObject, atts map[string]AttachmentRef) (Rev, error) {
	hash, err := RevisionHash(parent, deleted, fields, atts)
	if err != nil {
		return "", err
	}
	return NewRev(parent.Generation()+1, hash), nil
}

// MustNextRev is like NextRev but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustNextRev(parent Rev, deleted bool, fields IRObject, atts map[string]AttachmentRef) Rev {
	rev, err := NextRev(parent, deleted, fields, atts)
	if err != nil {
		panic(err)
	}
	return rev
}
