package encryption

import (
	"bytes"
	"fmt"
	"io"

	"syncr-go/internal/syncr"
)

var marker = []byte("SYNCRENC")

// MarkerEncryptor frames data with a fixed marker instead of encrypting it.
// It keeps ciphertext distinguishable from plaintext for tests and for
// setups that want the encrypted layout without key management.
type MarkerEncryptor struct {
	passphrase string
}

func NewMarkerEncryptor() *MarkerEncryptor {
	return &MarkerEncryptor{}
}

// Setup records the passphrase; Unlock later checks it.
func (e *MarkerEncryptor) Setup(passphrase string) error {
	e.passphrase = passphrase
	return nil
}

func (e *MarkerEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(marker); err != nil {
		return err
	}
	_, err := io.Copy(w, r)
	return err
}

func (e *MarkerEncryptor) Unlock(passphrase string) (syncr.DecryptionContext, error) {
	if e.passphrase != "" && passphrase != e.passphrase {
		return nil, fmt.Errorf("incorrect passphrase")
	}
	return markerContext{}, nil
}

func (e *MarkerEncryptor) IsConfigured() bool { return true }

type markerContext struct{}

func (markerContext) Decrypt(r io.Reader, w io.Writer) error {
	head := make([]byte, len(marker))
	if _, err := io.ReadFull(r, head); err != nil {
		return fmt.Errorf("reading marker: %w", err)
	}
	if !bytes.Equal(head, marker) {
		return fmt.Errorf("data is not marker-framed")
	}
	_, err := io.Copy(w, r)
	return err
}

var _ syncr.Encryptor = (*MarkerEncryptor)(nil)
