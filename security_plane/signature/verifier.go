// Package signature implements cryptographic authenticity checks of plugin
// artifacts against publisher keys. Verification is advisory to the install
// decision: policy may accept a valid signature from an unknown key with
// reduced reputation, but a failed or missing signature always blocks.
package signature

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/plugsentry/PlugSentry/security_plane/observability"
)

// Supported signature algorithms.
const (
	AlgRSASHA256   = "RSA-SHA256"
	AlgECDSASHA256 = "ECDSA-SHA256"
	AlgEd25519     = "ED25519"
)

// Verification reasons. Empty reason means verified and trusted.
const (
	ReasonUnsigned         = "unsigned"
	ReasonMalformed        = "malformed"
	ReasonUnsupportedAlg   = "unsupported-algorithm"
	ReasonInvalidSignature = "invalid-signature"
	ReasonUnknownPublisher = "unknown-publisher"
)

// Verification is the outcome of one signature check. Immutable once
// produced. Trust order: verified+trusted > verified+untrusted > failed.
type Verification struct {
	Verified         bool      `json:"verified"`
	TrustedPublisher bool      `json:"trusted_publisher"`
	Publisher        string    `json:"publisher,omitempty"`
	Algorithm        string    `json:"algorithm"`
	Reason           string    `json:"reason,omitempty"`
	VerifiedAt       time.Time `json:"verified_at"`
}

// Verifier checks artifact signatures against the trusted-publisher registry.
type Verifier struct {
	registry *PublisherRegistry
}

// NewVerifier creates a Verifier backed by the given publisher registry.
func NewVerifier(registry *PublisherRegistry) *Verifier {
	if registry == nil {
		registry = NewPublisherRegistry()
	}
	return &Verifier{registry: registry}
}

// canonicalMessage binds the signature to the plugin identity as well as the
// artifact bytes, so a valid signature cannot be replayed onto a different
// plugin or version.
func canonicalMessage(pluginID, version string, artifact []byte) []byte {
	msg := make([]byte, 0, len(pluginID)+len(version)+len(artifact)+2)
	msg = append(msg, pluginID...)
	msg = append(msg, 0)
	msg = append(msg, version...)
	msg = append(msg, 0)
	msg = append(msg, artifact...)
	return msg
}

// Verify runs the three-stage check: signature format validity, cryptographic
// verification over the artifact bytes, then trusted-publisher lookup. It
// never returns an error for adversarial input; the structured result carries
// the verdict.
func (v *Verifier) Verify(pluginID, version string, artifact, sig, publicKeyPEM []byte, algorithm string) Verification {
	now := time.Now().UTC()
	result := Verification{Algorithm: algorithm, VerifiedAt: now}

	// Stage 1: format validity. An unsigned artifact is always failed,
	// never treated as passable.
	if len(sig) == 0 {
		result.Reason = ReasonUnsigned
		observability.SignatureVerifications.WithLabelValues("failed").Inc()
		return result
	}
	pub, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		result.Reason = ReasonMalformed
		observability.SignatureVerifications.WithLabelValues("malformed").Inc()
		return result
	}
	if !formatValid(algorithm, sig, pub) {
		result.Reason = ReasonMalformed
		observability.SignatureVerifications.WithLabelValues("malformed").Inc()
		return result
	}

	// Stage 2: cryptographic verification.
	msg := canonicalMessage(pluginID, version, artifact)
	ok, reason := verifySignature(algorithm, pub, msg, sig)
	if !ok {
		result.Reason = reason
		observability.SignatureVerifications.WithLabelValues("failed").Inc()
		return result
	}
	result.Verified = true

	// Stage 3: trusted-publisher registry lookup.
	if pubName, trusted := v.registry.Lookup(publicKeyPEM); trusted {
		result.TrustedPublisher = true
		result.Publisher = pubName
		observability.SignatureVerifications.WithLabelValues("trusted").Inc()
	} else {
		result.Reason = ReasonUnknownPublisher
		observability.SignatureVerifications.WithLabelValues("untrusted").Inc()
	}
	return result
}

// PublisherMismatch cross-checks a manifest's declared publisher against the
// signature verdict. It warns when the name does not line up with the key:
// the artifact is signed by a different trusted publisher, or the declared
// name is registered while the signing key is not theirs. An empty declared
// name or an unregistered one yields no warning.
func (v *Verifier) PublisherMismatch(declared string, ver Verification) string {
	if declared == "" {
		return ""
	}
	if ver.TrustedPublisher {
		if declared != ver.Publisher {
			return fmt.Sprintf("manifest declares publisher %q but the artifact is signed by %q", declared, ver.Publisher)
		}
		return ""
	}
	if v.registry.Trusted(declared) {
		return fmt.Sprintf("manifest declares trusted publisher %q but the signing key is not registered to them", declared)
	}
	return ""
}

func parsePublicKey(publicKeyPEM []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errNoPEM
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}

// formatValid checks length and encoding of the signature for the declared
// algorithm, and that the key type matches the algorithm.
func formatValid(algorithm string, sig []byte, pub crypto.PublicKey) bool {
	switch algorithm {
	case AlgRSASHA256:
		rsaPub, ok := pub.(*rsa.PublicKey)
		return ok && len(sig) == rsaPub.Size()
	case AlgECDSASHA256:
		_, ok := pub.(*ecdsa.PublicKey)
		// ASN.1 DER SEQUENCE: minimal structural check; full parsing is
		// the verify step's job.
		return ok && len(sig) >= 8 && sig[0] == 0x30
	case AlgEd25519:
		_, ok := pub.(ed25519.PublicKey)
		return ok && len(sig) == ed25519.SignatureSize
	default:
		return false
	}
}

func verifySignature(algorithm string, pub crypto.PublicKey, msg, sig []byte) (bool, string) {
	switch algorithm {
	case AlgRSASHA256:
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return false, ReasonMalformed
		}
		hashed := sha256.Sum256(msg)
		if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, hashed[:], sig); err != nil {
			return false, ReasonInvalidSignature
		}
		return true, ""
	case AlgECDSASHA256:
		ecPub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return false, ReasonMalformed
		}
		hashed := sha256.Sum256(msg)
		if !ecdsa.VerifyASN1(ecPub, hashed[:], sig) {
			return false, ReasonInvalidSignature
		}
		return true, ""
	case AlgEd25519:
		edPub, ok := pub.(ed25519.PublicKey)
		if !ok {
			return false, ReasonMalformed
		}
		if !ed25519.Verify(edPub, msg, sig) {
			return false, ReasonInvalidSignature
		}
		return true, ""
	default:
		return false, ReasonUnsupportedAlg
	}
}
