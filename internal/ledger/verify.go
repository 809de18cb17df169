package ledger

import (
	"errors"
	"fmt"

	"stageci/internal/security"
	"stageci/pkg/utils"
)

// VerifyChain recomputes each entry hash, link and signature to detect tampering.
func (l *Ledger) VerifyChain() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range l.entries {
		h, err := e.ComputeHash()
		if err != nil {
			return fmt.Errorf("compute hash for index %d: %w", e.Index, err)
		}
		if h != e.Hash {
			return fmt.Errorf("hash mismatch at index %d", e.Index)
		}
		if i > 0 && e.PrevHash != l.entries[i-1].Hash {
			return fmt.Errorf("prev hash mismatch at index %d", e.Index)
		}
		if e.Index != i {
			return fmt.Errorf("index mismatch: expected %d got %d", i, e.Index)
		}
		ok, err := security.VerifySignatureFromHex(e.PubKey, []byte(e.Hash), e.Signature)
		if err != nil {
			return fmt.Errorf("signature at index %d: %w", e.Index, err)
		}
		if !ok {
			return fmt.Errorf("invalid signature at index %d", e.Index)
		}
	}
	return nil
}

// VerifyFiles checks that every recorded file still has its recorded content.
// Missing and modified files are reported together.
func (l *Ledger) VerifyFiles() error {
	var errs []error
	for _, e := range l.Entries() {
		sum, err := utils.HashFile(e.Path)
		if err != nil {
			errs = append(errs, fmt.Errorf("index %d: %w", e.Index, err))
			continue
		}
		if sum != e.ContentHash {
			errs = append(errs, fmt.Errorf("index %d: %s was modified", e.Index, e.Path))
		}
	}
	return errors.Join(errs...)
}
