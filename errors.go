package sieve

import "fmt"

// ErrInputTooLarge indicates an input the device cannot bind or dispatch in
// one call. The input is rejected before any device work begins.
type ErrInputTooLarge struct {
	Elements int
	Limit    uint64
	Reason   string
}

func (e *ErrInputTooLarge) Error() string {
	return fmt.Sprintf("input of %d elements exceeds device %s limit of %d", e.Elements, e.Reason, e.Limit)
}

// ErrInvalidWorkgroupSize indicates a workgroup size that is not a power of
// two or exceeds what the device supports.
type ErrInvalidWorkgroupSize struct {
	Size uint32
	Max  uint32
}

func (e *ErrInvalidWorkgroupSize) Error() string {
	return fmt.Sprintf("invalid workgroup size %d (must be a power of two, at most %d)", e.Size, e.Max)
}
