package devicebind

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type staticSource struct {
	name string
	data []byte
	err  error
}

func (s *staticSource) Name() string              { return s.name }
func (s *staticSource) Component() ([]byte, error) { return s.data, s.err }

func TestFirstUseEnrollsFingerprint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fingerprint")
	f := New(path, &staticSource{name: "a", data: []byte("machine-1")})

	if v := f.VerifyDevice(); !v.Verified {
		t.Fatalf("first use should enroll and verify: %+v", v)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("fingerprint file not written: %v", err)
	}
	if v := f.VerifyDevice(); !v.Verified {
		t.Fatalf("second check on the same machine should verify: %+v", v)
	}
}

func TestChangedComponentIsMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fingerprint")
	src := &staticSource{name: "a", data: []byte("machine-1")}

	if v := New(path, src).VerifyDevice(); !v.Verified {
		t.Fatalf("enroll: %+v", v)
	}

	src.data = []byte("machine-2")
	v := New(path, src).VerifyDevice()
	if v.Verified {
		t.Fatal("changed component should fail verification")
	}
	if v.FailureReason == "" {
		t.Fatal("mismatch should carry a reason")
	}
}

func TestUnavailableSourcesAreSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fingerprint")

	enroll := New(path,
		&staticSource{name: "tpm", err: errors.New("no tpm")},
		&staticSource{name: "id", data: []byte("machine-1")},
	)
	if v := enroll.VerifyDevice(); !v.Verified {
		t.Fatalf("enroll with one unavailable source: %+v", v)
	}

	// The same unavailable source later still yields the same fingerprint.
	again := New(path,
		&staticSource{name: "tpm", err: errors.New("no tpm")},
		&staticSource{name: "id", data: []byte("machine-1")},
	)
	if v := again.VerifyDevice(); !v.Verified {
		t.Fatalf("re-verify: %+v", v)
	}
}

func TestNoSourcesAvailableFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fingerprint")
	f := New(path, &staticSource{name: "a", err: errors.New("gone")})

	if v := f.VerifyDevice(); v.Verified {
		t.Fatal("verification with no available sources must fail")
	}
}

func TestComponentBoundariesCannotShift(t *testing.T) {
	dir := t.TempDir()

	a := New(filepath.Join(dir, "fp-a"),
		&staticSource{name: "x", data: []byte("ab")},
		&staticSource{name: "y", data: []byte("c")},
	)
	b := New(filepath.Join(dir, "fp-b"),
		&staticSource{name: "x", data: []byte("a")},
		&staticSource{name: "y", data: []byte("bc")},
	)

	fpA, err := a.fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	fpB, err := b.fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	if string(fpA) == string(fpB) {
		t.Fatal("shifted component boundaries produced the same fingerprint")
	}
}

func TestCorruptStateIsMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fingerprint")
	if err := os.WriteFile(path, []byte("not hex"), 0600); err != nil {
		t.Fatal(err)
	}

	f := New(path, &staticSource{name: "a", data: []byte("machine-1")})
	if v := f.VerifyDevice(); v.Verified {
		t.Fatal("corrupt state file must not verify")
	}
}
