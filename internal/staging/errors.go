// Package staging implements the File Staging Pipeline (C6): multipart
// upload sessions, move registration and flash-upload short-circuiting, and
// snapshot finalization. Grounded verbatim on
// original_source/service/storage/src/{multipart,mover,snapshot}.rs.
package staging

import "fmt"

// ConflictedHashError mirrors FileException::ConflictedHash.
type ConflictedHashError struct {
	MetaID string
	Hash   string
}

func (e *ConflictedHashError) Error() string {
	return fmt.Sprintf("hash %s already registered under meta %s", e.Hash, e.MetaID)
}

// ConflictedIDError mirrors FileException::ConflictedId.
type ConflictedIDError struct {
	MetaID string
}

func (e *ConflictedIDError) Error() string {
	return fmt.Sprintf("multipart session already exists for meta %s", e.MetaID)
}

// MultipartNotFoundError mirrors FileException::MultipartNotFound.
type MultipartNotFoundError struct {
	MetaID string
}

func (e *MultipartNotFoundError) Error() string {
	return fmt.Sprintf("no multipart session for meta %s", e.MetaID)
}

// UnmatchedHashError mirrors FileException::UnmatchedHash.
type UnmatchedHashError struct {
	MetaID        string
	ProvidedHash  string
	CompletedHash string
}

func (e *UnmatchedHashError) Error() string {
	return fmt.Sprintf("hash not match, provided: %s, completed: %s", e.ProvidedHash, e.CompletedHash)
}

// FlashUploadError is returned (not as a failure, but as a short-circuit
// sentinel) when a move is satisfied by an already-stored file with the same
// hash, mirroring the original's if_possible_do_flash_upload control flow
// where "flash upload happened" is itself signalled via Err.
type FlashUploadError struct {
	Destination string
	Hash        string
	MetaID      string
	AlreadyID   string
}

func (e *FlashUploadError) Error() string {
	return fmt.Sprintf("flash upload: %s already stored as %s (hash %s)", e.MetaID, e.AlreadyID, e.Hash)
}

// IsFlashUpload reports whether err is a FlashUploadError, the signal that
// the caller should treat the move as already satisfied rather than failed.
func IsFlashUpload(err error) (*FlashUploadError, bool) {
	fu, ok := err.(*FlashUploadError)
	return fu, ok
}
