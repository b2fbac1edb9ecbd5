package securestore

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"ember-chat/go-node/internal/testutil/fsperm"
)

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := Seal("hunter2", []byte(`{"contacts":{}}`))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	plaintext, err := Open("hunter2", sealed)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(plaintext, []byte(`{"contacts":{}}`)) {
		t.Fatal("round trip mismatch")
	}
}

func TestOpenRejectsWrongPassphrase(t *testing.T) {
	sealed, err := Seal("right", []byte("secret"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := Open("wrong", sealed); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestOpenRejectsTamperedContent(t *testing.T) {
	sealed, err := Seal("pass", []byte("secret"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	sealed[len(sealed)-4] ^= 0xAB
	_, err = Open("pass", sealed)
	if !errors.Is(err, ErrAuthFailed) && !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrAuthFailed or ErrInvalid, got %v", err)
	}
}

func TestOpenRejectsUnsealedContent(t *testing.T) {
	if _, err := Open("pass", []byte(`{"messages":{}}`)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestWriteSealedFileCreatesPrivateDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "contacts.enc")
	if err := WriteSealedFile(path, "pass", []byte("x")); err != nil {
		t.Fatalf("write sealed file failed: %v", err)
	}
	fsperm.AssertPrivateDirPerm(t, filepath.Dir(path))
	plaintext, err := ReadSealedFile(path, "pass")
	if err != nil {
		t.Fatalf("read sealed file failed: %v", err)
	}
	if string(plaintext) != "x" {
		t.Fatal("round trip mismatch")
	}
}
