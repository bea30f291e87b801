package detector

import (
	"errors"
	"fmt"
)

var (
	ErrTruncatedPacket     = errors.New("truncated packet")
	ErrShortPayload        = errors.New("packet payload shorter than geometry")
	ErrBadPlacement        = errors.New("packet outside frame geometry")
	ErrImageTooSmall       = errors.New("image too small")
	ErrImageTooLarge       = errors.New("image too large for packet payload")
	ErrUnsupportedBitDepth = errors.New("unsupported bit depth")
	ErrUnknownFamily       = errors.New("unknown detector family")
	ErrSlotTooSmall        = errors.New("slot smaller than frame payload")
	ErrInvalidProfile      = errors.New("invalid detector profile")
)

// DecodeError is returned for datagrams that cannot hold a header.
type DecodeError struct {
	Family Kind
	Size   int
	Want   int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s packet of %d bytes, header needs %d", ErrTruncatedPacket, e.Family, e.Size, e.Want)
}

func (e *DecodeError) Unwrap() error {
	return ErrTruncatedPacket
}

// GeometryError rejects a profile at startup.
type GeometryError struct {
	Family   Kind
	Width    int
	Height   int
	BitDepth int
	Err      error
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("%s geometry for %dx%d@%dbit: %v", e.Family, e.Width, e.Height, e.BitDepth, e.Err)
}

func (e *GeometryError) Unwrap() error {
	return e.Err
}

func geometryError(p Profile, err error) error {
	return &GeometryError{
		Family:   p.Family,
		Width:    p.ImageWidth,
		Height:   p.ImageHeight,
		BitDepth: p.BitDepth,
		Err:      err,
	}
}
