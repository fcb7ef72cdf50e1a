package minitls

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// This file is the binary codec for the fixed-width, length-prefixed
// structures shared by the record layer and the handshake messages.  All
// functions here are pure: they touch no connection state and perform no I/O,
// so they can be fuzzed in isolation.  Multi-byte integers are big-endian
// throughout, which is what cryptobyte produces and consumes.

type recordHeader struct {
	contentType   RecordType
	legacyVersion uint16
	length        int
}

func encodeRecordHeader(h recordHeader) []byte {
	var b cryptobyte.Builder
	b.AddUint8(uint8(h.contentType))
	b.AddUint16(h.legacyVersion)
	b.AddUint16(uint16(h.length))
	out, _ := b.Bytes()
	return out
}

func decodeRecordHeader(data []byte) (recordHeader, error) {
	var hdr recordHeader
	if len(data) < recordHeaderLen {
		return hdr, fmt.Errorf("%w: record header truncated", ErrMalformedEncoding)
	}
	s := cryptobyte.String(data[:recordHeaderLen])
	var contentType uint8
	var length uint16
	if !s.ReadUint8(&contentType) || !s.ReadUint16(&hdr.legacyVersion) || !s.ReadUint16(&length) {
		return hdr, fmt.Errorf("%w: record header truncated", ErrMalformedEncoding)
	}
	hdr.contentType = RecordType(contentType)
	hdr.length = int(length)
	switch hdr.contentType {
	case RecordTypeChangeCipherSpec, RecordTypeAlert, RecordTypeHandshake, RecordTypeApplicationData:
	default:
		return hdr, fmt.Errorf("%w: unknown content type %d", ErrMalformedEncoding, contentType)
	}
	return hdr, nil
}

func encodeHandshakeHeader(msgType HandshakeType, length int) []byte {
	var b cryptobyte.Builder
	b.AddUint8(uint8(msgType))
	b.AddUint24(uint32(length))
	out, _ := b.Bytes()
	return out
}

func decodeHandshakeHeader(data []byte) (HandshakeType, int, error) {
	if len(data) < handshakeHeaderLenTLS {
		return 0, 0, fmt.Errorf("%w: handshake header truncated", ErrMalformedEncoding)
	}
	s := cryptobyte.String(data[:handshakeHeaderLenTLS])
	var msgType uint8
	var length uint32
	if !s.ReadUint8(&msgType) || !s.ReadUint24(&length) {
		return 0, 0, fmt.Errorf("%w: handshake header truncated", ErrMalformedEncoding)
	}
	return HandshakeType(msgType), int(length), nil
}

// Extension is a raw (type, opaque data) pair as it appears on the wire.
type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte
}

// ExtensionList holds the extensions of a single handshake message in
// transmission order.
type ExtensionList []Extension

// ExtensionBody implementations know how to convert themselves to and from
// the opaque extension_data field.
type ExtensionBody interface {
	Type() ExtensionType
	Marshal() ([]byte, error)
	Unmarshal(data []byte) (int, error)
}

// Add marshals a body and appends it, replacing an existing extension of the
// same type.
func (el *ExtensionList) Add(src ExtensionBody) error {
	data, err := src.Marshal()
	if err != nil {
		return err
	}
	for i := range *el {
		if (*el)[i].ExtensionType == src.Type() {
			(*el)[i].ExtensionData = data
			return nil
		}
	}
	*el = append(*el, Extension{
		ExtensionType: src.Type(),
		ExtensionData: data,
	})
	return nil
}

// Find locates the extension matching dst's type and unmarshals it into dst.
// It returns false if the extension is absent.
func (el ExtensionList) Find(dst ExtensionBody) (bool, error) {
	for _, ext := range el {
		if ext.ExtensionType != dst.Type() {
			continue
		}
		read, err := dst.Unmarshal(ext.ExtensionData)
		if err != nil {
			return true, err
		}
		if read < len(ext.ExtensionData) {
			return true, fmt.Errorf("%w: trailing garbage in extension %d", ErrMalformedEncoding, dst.Type())
		}
		return true, nil
	}
	return false, nil
}

func (el ExtensionList) addTo(b *cryptobyte.Builder) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, ext := range el {
			b.AddUint16(uint16(ext.ExtensionType))
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(ext.ExtensionData)
			})
		}
	})
}

func readExtensionList(s *cryptobyte.String) (ExtensionList, error) {
	var el ExtensionList
	var exts cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&exts) {
		return nil, fmt.Errorf("%w: extensions block truncated", ErrMalformedEncoding)
	}
	for !exts.Empty() {
		var extType uint16
		var data cryptobyte.String
		if !exts.ReadUint16(&extType) || !exts.ReadUint16LengthPrefixed(&data) {
			return nil, fmt.Errorf("%w: extension truncated", ErrMalformedEncoding)
		}
		el = append(el, Extension{
			ExtensionType: ExtensionType(extType),
			ExtensionData: dup(data),
		})
	}
	return el, nil
}

// KeyShareEntry is a single (group, public key) pair from a key_share
// extension.
type KeyShareEntry struct {
	Group       NamedGroup
	KeyExchange []byte
}

func (kse KeyShareEntry) addTo(b *cryptobyte.Builder) {
	b.AddUint16(uint16(kse.Group))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(kse.KeyExchange)
	})
}

func readKeyShareEntry(s *cryptobyte.String) (KeyShareEntry, error) {
	var kse KeyShareEntry
	var group uint16
	var keyExchange cryptobyte.String
	if !s.ReadUint16(&group) || !s.ReadUint16LengthPrefixed(&keyExchange) {
		return kse, fmt.Errorf("%w: key share entry truncated", ErrMalformedEncoding)
	}
	if len(keyExchange) == 0 {
		return kse, fmt.Errorf("%w: empty key exchange field", ErrMalformedEncoding)
	}
	kse.Group = NamedGroup(group)
	kse.KeyExchange = dup(keyExchange)
	return kse, nil
}
