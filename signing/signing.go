// Package signing produces and verifies salted-hash fingerprints for profile
// entries. The digest detects storage-layer edits (accidental or
// unauthorized); it is not a non-repudiable proof of authorship.
package signing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"time"

	"github.com/dmitrijs2005/profilekeeper/models"
	"golang.org/x/crypto/blake2b"
)

// Registered algorithm identifiers. The algorithm is fixed per deployment:
// changing it silently makes all historical signatures unverifiable.
const (
	AlgorithmSHA256     = "sha256"
	AlgorithmBLAKE2b256 = "blake2b-256"
)

// saltSize is the number of random bytes generated per signature. The salt
// is stored alongside the hash and is not secret; it only prevents digest
// correlation across entries with identical content.
const saltSize = 16

var (
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrMalformedSignature = errors.New("malformed signature")
	ErrUnknownAlgorithm   = errors.New("unknown hash algorithm")
)

// Payload is the set of entry fields covered by a signature. Metadata is
// included only when present.
type Payload struct {
	Type      models.EntryType
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

// PayloadFromEntry extracts the signed fields of an entry.
func PayloadFromEntry(e *models.Entry) Payload {
	return Payload{
		Type:      e.Type,
		Content:   e.Content,
		Timestamp: e.Timestamp,
		Metadata:  e.Metadata,
	}
}

// Service signs payloads with a single configured algorithm. It is stateless
// apart from randomness consumption and safe to share.
type Service struct {
	algorithm string
}

// NewService returns a Service for the given algorithm identifier.
func NewService(algorithm string) (*Service, error) {
	if _, err := newDigest(algorithm); err != nil {
		return nil, err
	}
	return &Service{algorithm: algorithm}, nil
}

// Algorithm returns the configured algorithm identifier.
func (s *Service) Algorithm() string {
	return s.algorithm
}

// Sign canonicalizes the payload, generates a fresh random salt, and returns
// the digest of canonical_bytes || salt. If the payload cannot be
// canonicalized it fails with ErrMalformedPayload and the caller must not
// persist the entry.
func (s *Service) Sign(p Payload) (*models.CryptographicSignature, error) {
	canonical, err := canonicalize(p)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	digest, err := computeDigest(s.algorithm, canonical, salt)
	if err != nil {
		return nil, err
	}

	return &models.CryptographicSignature{
		Algorithm: s.algorithm,
		Hash:      digest,
		Salt:      hex.EncodeToString(salt),
		Timestamp: time.Now().UTC(),
	}, nil
}

// Verify recomputes the digest from the payload and the stored salt and
// compares it to the stored hash. The signature's own algorithm tag is used,
// so signatures written under a previous deployment algorithm stay
// verifiable as long as the algorithm remains registered.
func (s *Service) Verify(p Payload, sig *models.CryptographicSignature) (bool, error) {
	if sig == nil {
		return false, fmt.Errorf("%w: missing signature", ErrMalformedSignature)
	}

	canonical, err := canonicalize(p)
	if err != nil {
		return false, err
	}

	salt, err := hex.DecodeString(sig.Salt)
	if err != nil {
		return false, fmt.Errorf("%w: undecodable salt", ErrMalformedSignature)
	}

	digest, err := computeDigest(sig.Algorithm, canonical, salt)
	if err != nil {
		return false, err
	}

	return digest == sig.Hash, nil
}

// VerifyEntry checks an entry's stored signature against its own fields.
func (s *Service) VerifyEntry(e *models.Entry) (bool, error) {
	return s.Verify(PayloadFromEntry(e), e.Signature)
}

func computeDigest(algorithm string, canonical, salt []byte) (string, error) {
	h, err := newDigest(algorithm)
	if err != nil {
		return "", err
	}
	h.Write(canonical)
	h.Write(salt)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func newDigest(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case AlgorithmSHA256:
		return sha256.New(), nil
	case AlgorithmBLAKE2b256:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
}
