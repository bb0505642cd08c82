// Package wire implements the AFC envelope codec: the bijective mapping
// between an in-memory Msg and its on-wire framing
//
//	MAGIC(4) || LEN(4, little-endian u32) || BODY
//
// BODY is a tagged union (Ctrl or Data) serialized with
// github.com/fxamacker/cbor/v2, the same library server/cborplugin uses
// for its Request/Response/Parameters command set: a package-level
// cbor.TagSet assigns each variant an IANA-unassigned tag number so a
// decoder that doesn't yet know which variant is incoming can still
// recover the concrete Go type.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Version is the AFC protocol version embedded in every Ctrl and Data
// message.
type Version uint8

// V1 is the only version this engine speaks; any other value is a hard
// error.
const V1 Version = 1

const (
	// MagicSize is len(Magic).
	MagicSize = 4
	// LenSize is the width of the length prefix.
	LenSize = 4
	// HeaderSize is MagicSize + LenSize, the number of bytes read before
	// a frame's body can be sized.
	HeaderSize = MagicSize + LenSize
	// MaxMsgSize bounds the length prefix so a hostile peer cannot force
	// an allocation before the cap is checked.
	MaxMsgSize = 10 * 1024 * 1024
)

// Magic is the fixed 4-byte preamble of every envelope.
var Magic = [MagicSize]byte{'A', 'F', 'C', 0}

// Ctrl is an ephemeral daemon-to-daemon command used to establish a
// channel.
type Ctrl struct {
	Version Version
	TeamID  [32]byte
	Cmd     []byte
}

// Data is an application payload: a sealed, authenticated ciphertext
// addressed to an already-provisioned channel.
type Data struct {
	Version    Version
	AfcID      [32]byte
	Ciphertext []byte
}

var tagSet = cbor.NewTagSet()

func init() {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(tagSet.Add(
		cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired},
		reflect.TypeOf(Ctrl{}), 1501))
	must(tagSet.Add(
		cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired},
		reflect.TypeOf(Data{}), 1502))
}

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{}.EncModeWithTags(tagSet)
	if err != nil {
		panic(err)
	}
	return em
}()

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{}.DecModeWithTags(tagSet)
	if err != nil {
		panic(err)
	}
	return dm
}()

// Msg is the tagged union carried in an envelope body: exactly one of
// Ctrl or Data is non-nil.
type Msg struct {
	Ctrl *Ctrl
	Data *Data
}

// marshal returns the CBOR encoding of whichever variant m holds.
func (m Msg) marshal() ([]byte, error) {
	switch {
	case m.Ctrl != nil && m.Data == nil:
		return encMode.Marshal(*m.Ctrl)
	case m.Data != nil && m.Ctrl == nil:
		return encMode.Marshal(*m.Data)
	default:
		return nil, fmt.Errorf("wire: Msg must hold exactly one of Ctrl or Data")
	}
}

// unmarshalMsg decodes a tagged body into the Msg variant its tag
// identifies.
func unmarshalMsg(body []byte) (Msg, error) {
	var v interface{}
	if err := decMode.Unmarshal(body, &v); err != nil {
		return Msg{}, err
	}
	switch t := v.(type) {
	case Ctrl:
		return Msg{Ctrl: &t}, nil
	case Data:
		return Msg{Data: &t}, nil
	default:
		return Msg{}, fmt.Errorf("wire: unrecognized message variant %T", v)
	}
}

// Encode produces MAGIC || LEN || BODY for m.
func Encode(m Msg) ([]byte, error) {
	body, err := m.marshal()
	if err != nil {
		return nil, &SerdeError{Err: err}
	}
	if len(body) > MaxMsgSize {
		return nil, &MsgTooLargeError{Got: len(body), Max: MaxMsgSize}
	}
	out := make([]byte, HeaderSize+len(body))
	copy(out, Magic[:])
	binary.LittleEndian.PutUint32(out[MagicSize:HeaderSize], uint32(len(body)))
	copy(out[HeaderSize:], body)
	return out, nil
}

// EncodeParts returns the same bytes as Encode, split into a header and
// a body so the caller can issue them as a single vectored write
// (net.Buffers) without an extra copy-concatenation.
func EncodeParts(m Msg) (header [HeaderSize]byte, body []byte, err error) {
	body, err = m.marshal()
	if err != nil {
		return header, nil, &SerdeError{Err: err}
	}
	if len(body) > MaxMsgSize {
		return header, nil, &MsgTooLargeError{Got: len(body), Max: MaxMsgSize}
	}
	copy(header[:], Magic[:])
	binary.LittleEndian.PutUint32(header[MagicSize:HeaderSize], uint32(len(body)))
	return header, body, nil
}

// ReadEnvelope reads exactly one framed envelope from r: the 8-byte
// header first (so the length prefix can be validated before any body
// allocation), then exactly LEN body bytes.
func ReadEnvelope(r io.Reader) (Msg, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Msg{}, err
	}
	if [MagicSize]byte(hdr[:MagicSize]) != Magic {
		return Msg{}, &InvalidMagicError{Got: binary.LittleEndian.Uint32(hdr[:MagicSize])}
	}
	length := binary.LittleEndian.Uint32(hdr[MagicSize:HeaderSize])
	if length > MaxMsgSize {
		return Msg{}, &MsgTooLargeError{Got: int(length), Max: MaxMsgSize}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Msg{}, err
	}
	msg, err := unmarshalMsg(body)
	if err != nil {
		return Msg{}, &SerdeError{Err: err}
	}
	return msg, nil
}

// InvalidMagicError is returned when an envelope's first four bytes do
// not match Magic.
type InvalidMagicError struct {
	Got uint32
}

func (e *InvalidMagicError) Error() string {
	return fmt.Sprintf("wire: invalid magic: got %#08x", e.Got)
}

// MsgTooLargeError is returned when a length prefix (inbound) or encoded
// body (outbound) exceeds MaxMsgSize.
type MsgTooLargeError struct {
	Got, Max int
}

func (e *MsgTooLargeError) Error() string {
	return fmt.Sprintf("wire: message too large: got %d, max %d", e.Got, e.Max)
}

// SerdeError wraps a (de)serialization failure from the CBOR codec.
type SerdeError struct {
	Err error
}

func (e *SerdeError) Error() string { return fmt.Sprintf("wire: serde error: %v", e.Err) }
func (e *SerdeError) Unwrap() error { return e.Err }
