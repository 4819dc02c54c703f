package flash

import "errors"

var (
	ErrAlreadyFlashing        = errors.New("flash already in progress")
	ErrCancelled              = errors.New("flash cancelled")
	ErrBootloaderEntryTimeout = errors.New("device did not enter bootloader mode")
	ErrIntegrityCheckFailed   = errors.New("artifact integrity check failed")
	ErrInvalidBuild           = errors.New("invalid build descriptor")
	ErrCodenameMismatch       = errors.New("device codename does not match build")
	ErrAmbiguousSerial        = errors.New("serial is shared by several devices")
	ErrUnlockNotConfirmed     = errors.New("bootloader unlock not confirmed")
	ErrUnlockTimeout          = errors.New("bootloader did not report unlocked")
	ErrOEMUnlockDisabled      = errors.New("OEM unlocking is disabled")
	ErrInvalidTransition      = errors.New("invalid state transition")
)
