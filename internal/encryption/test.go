package encryption

import (
	"bytes"
	"fmt"
	"io"
)

// testHeader is prepended by TestEncryptor so that "encrypted" snapshots
// differ from plaintext while staying deterministic.
var testHeader = []byte("AIXENC\x00\x01")

// TestEncryptor frames data with a fixed header instead of encrypting it.
// It needs no keys and accepts any passphrase.
type TestEncryptor struct {
	recipient string
}

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Name() string { return "test" }

func (e *TestEncryptor) Setup(passphrase string) (string, error) {
	e.recipient = "test-recipient"
	return e.recipient, nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	return copyData(r, w)
}

func (e *TestEncryptor) Unlock(passphrase string) (Decrypter, error) {
	return testDecrypter{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

type testDecrypter struct{}

func (testDecrypter) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return fmt.Errorf("invalid test encryption header")
	}
	return copyData(r, w)
}

var (
	_ Encryptor = (*TestEncryptor)(nil)
	_ Decrypter = testDecrypter{}
)
