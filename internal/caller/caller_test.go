package caller

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// fakeSource returns canned evidence, or an error.
type fakeSource struct {
	ev  Evidence
	err error
}

func (f *fakeSource) Gather(uid uint32, pid int32) (Evidence, error) {
	if f.err != nil {
		return Evidence{}, f.err
	}
	ev := f.ev
	ev.UID = uid
	ev.PID = pid
	return ev, nil
}

func evidence() Evidence {
	return Evidence{
		PackageName:        "com.example.client",
		SigningFingerprint: []byte{0xde, 0xad, 0xbe, 0xef},
		ExecContext:        "trusted_app",
		ExePath:            "/usr/bin/client",
	}
}

func TestEmptyConfigAllowsEverything(t *testing.T) {
	v := New(Config{}, &fakeSource{ev: evidence()}, nil)

	if verdict := v.VerifyCaller(1000, 42); !verdict.Allowed {
		t.Fatalf("no allow-lists configured, want allowed: %+v", verdict)
	}
}

func TestEmptyConfigAllowsOnGatherError(t *testing.T) {
	v := New(Config{}, &fakeSource{err: errors.New("proc gone")}, nil)

	if verdict := v.VerifyCaller(1000, 42); !verdict.Allowed {
		t.Fatalf("nothing to check, want allowed: %+v", verdict)
	}
}

func TestGatherErrorDeniesWhenChecksConfigured(t *testing.T) {
	v := New(Config{AuthorizedPackages: []string{"com.example.client"}},
		&fakeSource{err: errors.New("proc gone")}, nil)

	verdict := v.VerifyCaller(1000, 42)
	if verdict.Allowed {
		t.Fatal("evidence unavailable with checks configured, want denied")
	}
	if verdict.Reason == "" {
		t.Fatal("denial should carry a reason")
	}
}

func TestPackageAllowList(t *testing.T) {
	v := New(Config{AuthorizedPackages: []string{"com.example.client"}},
		&fakeSource{ev: evidence()}, nil)
	if !v.VerifyCaller(1000, 42).Allowed {
		t.Fatal("listed package should be allowed")
	}

	v.UpdateConfig(Config{AuthorizedPackages: []string{"com.other.app"}})
	if v.VerifyCaller(1000, 42).Allowed {
		t.Fatal("unlisted package should be denied")
	}
}

func TestSignatureAllowList(t *testing.T) {
	v := New(Config{AuthorizedSignatures: []string{"deadbeef"}},
		&fakeSource{ev: evidence()}, nil)
	if !v.VerifyCaller(1000, 42).Allowed {
		t.Fatal("listed fingerprint should be allowed")
	}

	v.UpdateConfig(Config{AuthorizedSignatures: []string{"cafef00d"}})
	if v.VerifyCaller(1000, 42).Allowed {
		t.Fatal("unlisted fingerprint should be denied")
	}
}

func TestContextAndPathAllowLists(t *testing.T) {
	v := New(Config{
		AllowedContexts: []string{"trusted_app"},
		AllowedPaths:    []string{"/usr/bin/"},
	}, &fakeSource{ev: evidence()}, nil)
	if !v.VerifyCaller(1000, 42).Allowed {
		t.Fatal("matching context and path should be allowed")
	}

	v.UpdateConfig(Config{AllowedPaths: []string{"/opt/"}})
	if v.VerifyCaller(1000, 42).Allowed {
		t.Fatal("path outside the allowed prefixes should be denied")
	}
}

func TestPinStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pinned_key")

	ps, err := OpenPinStore(path)
	if err != nil {
		t.Fatal(err)
	}

	// No pin yet: everything matches, nothing is pinned.
	if match, pinned := ps.Verify([]byte{1, 2, 3}); !match || pinned {
		t.Fatalf("fresh store: match=%v pinned=%v", match, pinned)
	}

	fp := []byte{0xaa, 0xbb, 0xcc}
	if err := ps.Set(fp); err != nil {
		t.Fatal(err)
	}

	if match, pinned := ps.Verify(fp); !match || !pinned {
		t.Fatalf("after set: match=%v pinned=%v", match, pinned)
	}
	if match, _ := ps.Verify([]byte{0xaa, 0xbb, 0xcd}); match {
		t.Fatal("wrong fingerprint matched the pin")
	}

	// The pin survives reopen.
	reopened, err := OpenPinStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if match, pinned := reopened.Verify(fp); !match || !pinned {
		t.Fatalf("after reopen: match=%v pinned=%v", match, pinned)
	}
}

func TestPinReloadDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pinned_key")

	ps, err := OpenPinStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := ps.Set([]byte{0xaa, 0xbb}); err != nil {
		t.Fatal(err)
	}

	// Someone rewrites the pin file behind our back.
	if err := os.WriteFile(path, []byte("ccdd\n"), 0600); err != nil {
		t.Fatal(err)
	}

	changed, err := ps.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("external pin change should be reported as tampering")
	}

	// A pin file that vanishes is tampering too.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	changed, err = ps.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("deleted pin file should be reported as tampering")
	}
}

func TestVerifyPinnedThroughVerifier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pinned_key")
	ps, err := OpenPinStore(path)
	if err != nil {
		t.Fatal(err)
	}

	v := New(Config{}, &fakeSource{ev: evidence()}, ps)

	// Nothing pinned yet.
	if match, pinned := v.VerifyPinned([]byte{1}); !match || pinned {
		t.Fatalf("unpinned: match=%v pinned=%v", match, pinned)
	}

	if err := v.PinKey([]byte{0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	if match, pinned := v.VerifyPinned([]byte{0x01, 0x02}); !match || !pinned {
		t.Fatalf("pinned: match=%v pinned=%v", match, pinned)
	}
	if match, _ := v.VerifyPinned([]byte{0x09, 0x09}); match {
		t.Fatal("mismatching fingerprint accepted against pin")
	}
}

func TestReloadPinThroughVerifier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pinned_key")
	ps, err := OpenPinStore(path)
	if err != nil {
		t.Fatal(err)
	}

	v := New(Config{}, &fakeSource{ev: evidence()}, ps)
	if err := v.PinKey([]byte{0xaa, 0xbb}); err != nil {
		t.Fatal(err)
	}

	// Unchanged file, no tamper signal.
	changed, err := v.ReloadPin()
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("pristine pin file flagged as changed")
	}

	if err := os.WriteFile(path, []byte("ccdd\n"), 0600); err != nil {
		t.Fatal(err)
	}
	changed, err = v.ReloadPin()
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("rewritten pin file should be reported as tampering")
	}

	// Without a pin store the reload is a quiet no-op.
	bare := New(Config{}, &fakeSource{ev: evidence()}, nil)
	if changed, err := bare.ReloadPin(); err != nil || changed {
		t.Fatalf("nil pin store: changed=%v err=%v", changed, err)
	}
}
