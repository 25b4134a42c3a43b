package backup

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"syncr-go/internal/syncr"
)

// ErrLocked is returned by EncryptedArea.Get before Unlock succeeds.
var ErrLocked = errors.New("encrypted backup area is locked")

// EncryptedArea encrypts artifacts before handing them to the inner area.
// Writing needs only the public key; reading requires Unlock.
type EncryptedArea struct {
	inner syncr.BackupArea
	enc   syncr.Encryptor

	mu sync.RWMutex
	dc syncr.DecryptionContext
}

func NewEncryptedArea(inner syncr.BackupArea, enc syncr.Encryptor) *EncryptedArea {
	return &EncryptedArea{inner: inner, enc: enc}
}

// Unlock decrypts the private key so that Get can decrypt artifacts.
func (a *EncryptedArea) Unlock(passphrase string) error {
	dc, err := a.enc.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking backup area: %w", err)
	}
	a.mu.Lock()
	a.dc = dc
	a.mu.Unlock()
	return nil
}

// Put encrypts size bytes of plaintext into a temp file, then stores the
// ciphertext under key.
func (a *EncryptedArea) Put(key string, r io.Reader, size int64) error {
	tmp, err := os.CreateTemp("", "syncr-backup-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	cr := &countingReader{r: r}
	if err := a.enc.Encrypt(cr, tmp); err != nil {
		return fmt.Errorf("encrypting backup artifact: %w", err)
	}
	if cr.n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, cr.n)
	}

	cipherSize, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("measuring ciphertext: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding ciphertext: %w", err)
	}
	return a.inner.Put(key, tmp, cipherSize)
}

// Get streams the decrypted artifact to w.
func (a *EncryptedArea) Get(key string, w io.Writer) error {
	a.mu.RLock()
	dc := a.dc
	a.mu.RUnlock()
	if dc == nil {
		return ErrLocked
	}

	pr, pw := io.Pipe()
	fetchErr := make(chan error, 1)
	go func() {
		err := a.inner.Get(key, pw)
		pw.CloseWithError(err)
		fetchErr <- err
	}()

	decryptErr := dc.Decrypt(pr, w)
	// Unblocks the fetch goroutine if decryption stopped early.
	pr.CloseWithError(io.ErrClosedPipe)

	if err := <-fetchErr; err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	if decryptErr != nil {
		return fmt.Errorf("decrypting backup artifact: %w", decryptErr)
	}
	return nil
}

func (a *EncryptedArea) Exists(key string) (bool, error) {
	return a.inner.Exists(key)
}

func (a *EncryptedArea) ValidateSetup() error {
	if !a.enc.IsConfigured() {
		return fmt.Errorf("backup encryption keys are not configured (run `syncr keys init`)")
	}
	return a.inner.ValidateSetup()
}

var _ syncr.BackupArea = (*EncryptedArea)(nil)
