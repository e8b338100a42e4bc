// Package encryption encrypts exported database snapshots before they
// leave the host. Encryption needs only the public key; decryption
// unlocks the private key with a passphrase.
package encryption

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrWrongPassphrase is returned by Unlock when the passphrase does not
	// decrypt the private key.
	ErrWrongPassphrase = errors.New("wrong passphrase")

	// ErrKeysExist is returned by Setup when a key pair is already present.
	ErrKeysExist = errors.New("encryption keys already exist")
)

// Encryptor encrypts snapshots and unlocks decryption for fetches.
type Encryptor interface {
	// Name is recorded in snapshot manifests ("age", "test" or "none").
	Name() string

	// Setup generates a key pair once, protecting the private key with
	// passphrase. It returns the public recipient.
	Setup(passphrase string) (string, error)

	// Encrypt encrypts r into w using the public key only.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key for the duration of a fetch.
	Unlock(passphrase string) (Decrypter, error)

	// IsConfigured reports whether the keys needed by Encrypt exist.
	IsConfigured() bool
}

// Decrypter holds an unlocked private key in memory only.
type Decrypter interface {
	Decrypt(r io.Reader, w io.Writer) error
}

// NoneEncryptor copies data unchanged. Snapshots exported with it are
// stored in plaintext.
type NoneEncryptor struct{}

func (NoneEncryptor) Name() string { return "none" }

func (NoneEncryptor) Setup(string) (string, error) { return "", nil }

func (NoneEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	return copyData(r, w)
}

func (NoneEncryptor) Unlock(string) (Decrypter, error) { return noneDecrypter{}, nil }

func (NoneEncryptor) IsConfigured() bool { return true }

type noneDecrypter struct{}

func (noneDecrypter) Decrypt(r io.Reader, w io.Writer) error {
	return copyData(r, w)
}

func copyData(r io.Reader, w io.Writer) error {
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

var (
	_ Encryptor = NoneEncryptor{}
	_ Decrypter = noneDecrypter{}
)
