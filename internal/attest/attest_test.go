package attest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

// testCA is a self-signed issuing certificate plus its signing key.
type testCA struct {
	cert *x509.Certificate
	key  ed25519.PrivateKey
	pem  []byte
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Attestation Test Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}

	return &testCA{
		cert: cert,
		key:  priv,
		pem:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

// issueLeaf signs a leaf certificate for subjectKey, optionally carrying an
// attestation statement extension.
func (ca *testCA) issueLeaf(t *testing.T, subjectKey ed25519.PublicKey, statementJSON []byte) []byte {
	t.Helper()

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "com.example.client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	if statementJSON != nil {
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, pkix.Extension{
			Id:    statementOID,
			Value: statementJSON,
		})
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, subjectKey, ca.key)
	if err != nil {
		t.Fatal(err)
	}
	return der
}

func newVerifier(t *testing.T, ca *testCA) *ChainVerifier {
	t.Helper()
	v, err := NewChainVerifier(ca.pem)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestVerifyValidChainWithStatement(t *testing.T) {
	ca := newTestCA(t)
	v := newVerifier(t, ca)

	key, _, _ := ed25519.GenerateKey(rand.Reader)
	leaf := ca.issueLeaf(t, key, []byte(`{
		"package_name": "com.example.client",
		"signer_digest": "deadbeef",
		"security_level": "strongbox"
	}`))

	res := v.Verify([][]byte{leaf}, key)
	if !res.Valid {
		t.Fatalf("valid chain rejected: %s", res.Err)
	}
	if res.PackageName != "com.example.client" {
		t.Fatalf("package = %q", res.PackageName)
	}
	if res.SecurityLevel != "strongbox" {
		t.Fatalf("security level = %q", res.SecurityLevel)
	}
	if len(res.AppSignature) != 4 {
		t.Fatalf("app signature = %x", res.AppSignature)
	}
}

func TestVerifyWithoutStatementFallsBackToCommonName(t *testing.T) {
	ca := newTestCA(t)
	v := newVerifier(t, ca)

	key, _, _ := ed25519.GenerateKey(rand.Reader)
	leaf := ca.issueLeaf(t, key, nil)

	res := v.Verify([][]byte{leaf}, key)
	if !res.Valid {
		t.Fatalf("chain rejected: %s", res.Err)
	}
	if res.PackageName != "com.example.client" || res.SecurityLevel != "software" {
		t.Fatalf("fallback statement = %q / %q", res.PackageName, res.SecurityLevel)
	}
}

func TestVerifyRejectsUntrustedRoot(t *testing.T) {
	trusted := newTestCA(t)
	rogue := newTestCA(t)
	v := newVerifier(t, trusted)

	key, _, _ := ed25519.GenerateKey(rand.Reader)
	leaf := rogue.issueLeaf(t, key, nil)

	if res := v.Verify([][]byte{leaf}, key); res.Valid {
		t.Fatal("chain from untrusted root accepted")
	}
}

func TestVerifyRejectsKeyMismatch(t *testing.T) {
	ca := newTestCA(t)
	v := newVerifier(t, ca)

	certKey, _, _ := ed25519.GenerateKey(rand.Reader)
	otherKey, _, _ := ed25519.GenerateKey(rand.Reader)
	leaf := ca.issueLeaf(t, certKey, nil)

	if res := v.Verify([][]byte{leaf}, otherKey); res.Valid {
		t.Fatal("chain accepted for a key the leaf does not carry")
	}
}

func TestVerifyRejectsExpiredLeaf(t *testing.T) {
	ca := newTestCA(t)
	v := newVerifier(t, ca)
	v.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	key, _, _ := ed25519.GenerateKey(rand.Reader)
	leaf := ca.issueLeaf(t, key, nil)

	if res := v.Verify([][]byte{leaf}, key); res.Valid {
		t.Fatal("expired leaf accepted")
	}
}

func TestVerifyRejectsMalformedStatement(t *testing.T) {
	ca := newTestCA(t)
	v := newVerifier(t, ca)
	key, _, _ := ed25519.GenerateKey(rand.Reader)

	cases := []struct {
		name      string
		statement string
	}{
		{"not json", `not json at all`},
		{"missing package", `{"security_level": "software"}`},
		{"bad level", `{"package_name": "x", "security_level": "quantum"}`},
		{"extra field", `{"package_name": "x", "security_level": "software", "extra": 1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			leaf := ca.issueLeaf(t, key, []byte(tc.statement))
			if res := v.Verify([][]byte{leaf}, key); res.Valid {
				t.Fatal("malformed statement accepted")
			}
		})
	}
}

func TestVerifyEmptyChain(t *testing.T) {
	ca := newTestCA(t)
	v := newVerifier(t, ca)

	if res := v.Verify(nil, []byte("key")); res.Valid {
		t.Fatal("empty chain accepted")
	}
	if res := v.Verify([][]byte{{0x01, 0x02}}, []byte("key")); res.Valid {
		t.Fatal("garbage DER accepted")
	}
}
