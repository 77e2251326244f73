// Package attest consumes platform attestation: it validates an attestation
// chain against a candidate public key and reports the package identity and
// security level the chain vouches for.
//
// The whitelist only consumes the verdict; all chain-format knowledge lives
// here.
package attest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/asn1"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"gestured/internal/authcrypto"
)

// Result is the attestation verdict.
type Result struct {
	Valid         bool
	PackageName   string
	AppSignature  []byte
	SecurityLevel string
	Err           string
}

// Verifier validates an attestation chain against a candidate public key.
type Verifier interface {
	Verify(chain [][]byte, candidate []byte) Result
}

// statementOID marks the leaf certificate extension carrying the
// attestation statement JSON.
var statementOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 61741, 1, 1}

// statementSchema constrains the attestation statement payload.
const statementSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["package_name", "security_level"],
  "properties": {
    "package_name":   {"type": "string", "minLength": 1},
    "signer_digest":  {"type": "string", "pattern": "^[0-9a-f]*$"},
    "security_level": {"enum": ["software", "trusted_environment", "strongbox"]}
  },
  "additionalProperties": false
}`

// statement is the decoded attestation statement.
type statement struct {
	PackageName   string `json:"package_name"`
	SignerDigest  string `json:"signer_digest"`
	SecurityLevel string `json:"security_level"`
}

// ChainVerifier validates DER certificate chains against configured roots.
type ChainVerifier struct {
	roots  *x509.CertPool
	schema *jsonschema.Schema

	// now is replaceable for tests.
	now func() time.Time
}

// NewChainVerifier creates a verifier trusting the given PEM root bundle.
func NewChainVerifier(rootsPEM []byte) (*ChainVerifier, error) {
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(rootsPEM) {
		return nil, fmt.Errorf("attest: no usable roots in bundle")
	}

	schema, err := jsonschema.CompileString("attestation-statement.json", statementSchema)
	if err != nil {
		return nil, fmt.Errorf("attest: compile statement schema: %w", err)
	}

	return &ChainVerifier{
		roots:  roots,
		schema: schema,
		now:    time.Now,
	}, nil
}

// Verify implements Verifier.
//
// chain is leaf-first DER. The leaf must chain to a configured root, its
// subject public key must match the candidate key, and its attestation
// statement (when present) must validate against the statement schema.
func (v *ChainVerifier) Verify(chain [][]byte, candidate []byte) Result {
	if len(chain) == 0 {
		return failure("empty attestation chain")
	}

	certs := make([]*x509.Certificate, 0, len(chain))
	for i, der := range chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return failure(fmt.Sprintf("parse certificate %d: %v", i, err))
		}
		certs = append(certs, cert)
	}

	leaf := certs[0]

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := leaf.Verify(opts); err != nil {
		return failure(fmt.Sprintf("chain validation: %v", err))
	}

	if !keyMatches(leaf.PublicKey, candidate) {
		return failure("leaf key does not match candidate key")
	}

	st, err := v.extractStatement(leaf)
	if err != nil {
		return failure(err.Error())
	}

	res := Result{
		Valid:         true,
		PackageName:   st.PackageName,
		SecurityLevel: st.SecurityLevel,
	}
	if st.SignerDigest != "" {
		sig, err := authcrypto.DecodeHex(st.SignerDigest)
		if err != nil {
			return failure(fmt.Sprintf("signer digest: %v", err))
		}
		res.AppSignature = sig
	}
	return res
}

// extractStatement reads and validates the attestation statement extension.
// A leaf without the extension attests its CommonName at software level.
func (v *ChainVerifier) extractStatement(leaf *x509.Certificate) (statement, error) {
	for _, ext := range leaf.Extensions {
		if !ext.Id.Equal(statementOID) {
			continue
		}

		var raw any
		if err := json.Unmarshal(ext.Value, &raw); err != nil {
			return statement{}, fmt.Errorf("attestation statement is not JSON: %v", err)
		}
		if err := v.schema.Validate(raw); err != nil {
			return statement{}, fmt.Errorf("attestation statement rejected: %v", err)
		}

		var st statement
		if err := json.Unmarshal(ext.Value, &st); err != nil {
			return statement{}, fmt.Errorf("decode attestation statement: %v", err)
		}
		return st, nil
	}

	return statement{
		PackageName:   leaf.Subject.CommonName,
		SecurityLevel: "software",
	}, nil
}

// keyMatches compares a certificate public key against the candidate bytes,
// which may be raw Ed25519, an uncompressed P-256 point, or DER SPKI.
func keyMatches(certKey any, candidate []byte) bool {
	switch k := certKey.(type) {
	case ed25519.PublicKey:
		if len(candidate) == ed25519.PublicKeySize {
			return bytes.Equal(k, candidate)
		}
	case *ecdsa.PublicKey:
		if k.Curve == elliptic.P256() && len(candidate) == 65 && candidate[0] == 0x04 {
			return bytes.Equal(elliptic.Marshal(k.Curve, k.X, k.Y), candidate)
		}
	}

	// Fall back to SPKI comparison for DER-encoded candidates.
	spki, err := x509.MarshalPKIXPublicKey(certKey)
	if err != nil {
		return false
	}
	return bytes.Equal(spki, candidate)
}

func failure(msg string) Result {
	return Result{Err: msg}
}
