package minitls

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

type Direction int

const (
	DirectionWrite Direction = iota
	DirectionRead
)

// Epoch identifies which key generation a cipher state belongs to.
type Epoch uint16

const (
	EpochClear Epoch = iota
	EpochHandshakeData
	EpochApplicationData
)

func (e Epoch) label() string {
	switch e {
	case EpochClear:
		return "clear"
	case EpochHandshakeData:
		return "handshake"
	case EpochApplicationData:
		return "application"
	}
	return "unknown"
}

// TLSPlaintext is one record's worth of plaintext: its (inner) content type
// and fragment.  The legacy version field is fixed by the protocol and not
// carried here.
type TLSPlaintext struct {
	contentType RecordType
	fragment    []byte
}

// cipherState is the per-direction AEAD state: key epoch, sequence number,
// and the write IV the per-record nonce is XOR-folded into.  It is mutated
// only by the record layer that owns it.
type cipherState struct {
	epoch  Epoch
	seq    uint64
	cipher cipher.AEAD
	iv     []byte
}

func newCipherState() *cipherState {
	return &cipherState{epoch: EpochClear}
}

// nonce is iv XOR big-endian(seq), seq left-padded to the IV length.
func (c *cipherState) nonce() []byte {
	out := make([]byte, len(c.iv))
	binary.BigEndian.PutUint64(out[len(out)-8:], c.seq)
	for i := range out {
		out[i] ^= c.iv[i]
	}
	return out
}

// incrementSeq advances the sequence number.  The counter must never wrap
// within a key epoch; without KeyUpdate support, exhaustion is a hard
// connection-lifetime limit.
func (c *cipherState) incrementSeq() error {
	if c.seq == math.MaxUint64 {
		return errSequenceOverflow
	}
	c.seq++
	return nil
}

// DefaultRecordLayer frames plaintext into TLS records over a byte stream
// and, once traffic keys are installed via Rekey, applies the authenticated
// encryption transform in the owned direction.
type DefaultRecordLayer struct {
	conn      io.ReadWriter
	direction Direction
	label     string
	cipher    *cipherState
}

func NewRecordLayerTLS(conn io.ReadWriter, direction Direction) *DefaultRecordLayer {
	return &DefaultRecordLayer{
		conn:      conn,
		direction: direction,
		cipher:    newCipherState(),
	}
}

func (r *DefaultRecordLayer) SetLabel(label string) {
	r.label = label
}

func (r *DefaultRecordLayer) Epoch() Epoch {
	return r.cipher.epoch
}

// Rekey installs a fresh cipher state for this direction.  The sequence
// number restarts at zero for the new epoch.
func (r *DefaultRecordLayer) Rekey(epoch Epoch, factory aeadFactory, keys KeySet) error {
	aead, err := factory(keys.Keys[labelForKey])
	if err != nil {
		return err
	}
	zeroize(r.cipher.iv)
	r.cipher = &cipherState{
		epoch:  epoch,
		cipher: aead,
		iv:     dup(keys.Keys[labelForIV]),
	}
	logf(logTypeIO, "%s rekey %v to epoch %s", r.label, r.direction, epoch.label())
	return nil
}

// ReadRecord blocks until one full record has been read, unprotects it if
// keys are installed, and returns the inner content type and plaintext.
func (r *DefaultRecordLayer) ReadRecord() (*TLSPlaintext, error) {
	header := make([]byte, recordHeaderLen)
	if _, err := io.ReadFull(r.conn, header); err != nil {
		return nil, err
	}
	hdr, err := decodeRecordHeader(header)
	if err != nil {
		return nil, err
	}

	maxLen := maxFragmentLen
	if r.cipher.cipher != nil {
		maxLen += 256 // AEAD expansion plus inner type
	}
	if hdr.length > maxLen {
		return nil, fmt.Errorf("%w: record of %d bytes exceeds maximum", ErrMalformedEncoding, hdr.length)
	}

	payload := make([]byte, hdr.length)
	if _, err := io.ReadFull(r.conn, payload); err != nil {
		return nil, err
	}
	logf(logTypeIO, "%s read record type=%d len=%d epoch=%s", r.label, hdr.contentType, hdr.length, r.cipher.epoch.label())

	// Middlebox-compatibility CCS records are the only cleartext records
	// tolerated after keys are installed.  Everything else, alerts included,
	// must arrive sealed.
	if r.cipher.cipher == nil || hdr.contentType == RecordTypeChangeCipherSpec {
		return &TLSPlaintext{contentType: hdr.contentType, fragment: payload}, nil
	}

	if hdr.contentType != RecordTypeApplicationData {
		return nil, fmt.Errorf("%w: protected record with outer type %d", ErrMalformedEncoding, hdr.contentType)
	}

	inner, err := r.cipher.cipher.Open(nil, r.cipher.nonce(), payload, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecordMAC, err)
	}
	if err := r.cipher.incrementSeq(); err != nil {
		return nil, err
	}

	// Strip record padding: zero bytes after the inner content type.
	end := len(inner)
	for end > 0 && inner[end-1] == 0 {
		end--
	}
	if end == 0 {
		return nil, fmt.Errorf("%w: protected record without content type", ErrMalformedEncoding)
	}
	return &TLSPlaintext{
		contentType: RecordType(inner[end-1]),
		fragment:    inner[:end-1],
	}, nil
}

// WriteRecord frames and, once keys are installed, seals one record.
// Fragmentation into record-sized pieces is the caller's responsibility.
func (r *DefaultRecordLayer) WriteRecord(pt *TLSPlaintext) error {
	if len(pt.fragment) > maxFragmentLen {
		return fmt.Errorf("%w: fragment of %d bytes exceeds maximum", ErrMalformedEncoding, len(pt.fragment))
	}

	if r.cipher.cipher == nil {
		header := encodeRecordHeader(recordHeader{
			contentType:   pt.contentType,
			legacyVersion: tls12Version,
			length:        len(pt.fragment),
		})
		logf(logTypeIO, "%s write record type=%d len=%d (clear)", r.label, pt.contentType, len(pt.fragment))
		return writeFull(r.conn, append(header, pt.fragment...))
	}

	// The real content type hides inside the sealed payload; the outer type
	// is always application_data.
	inner := make([]byte, 0, len(pt.fragment)+1)
	inner = append(inner, pt.fragment...)
	inner = append(inner, byte(pt.contentType))

	ciphertextLen := len(inner) + r.cipher.cipher.Overhead()
	header := encodeRecordHeader(recordHeader{
		contentType:   RecordTypeApplicationData,
		legacyVersion: tls12Version,
		length:        ciphertextLen,
	})
	sealed := r.cipher.cipher.Seal(nil, r.cipher.nonce(), inner, header)
	if err := r.cipher.incrementSeq(); err != nil {
		return err
	}
	logf(logTypeIO, "%s write record type=%d len=%d epoch=%s seq=%d",
		r.label, pt.contentType, len(pt.fragment), r.cipher.epoch.label(), r.cipher.seq-1)
	return writeFull(r.conn, append(header, sealed...))
}

func writeFull(w io.Writer, data []byte) error {
	n, err := w.Write(data)
	if err != nil {
		return err
	}
	if n < len(data) {
		return io.ErrShortWrite
	}
	return nil
}

// errToAlert classifies a record-layer or codec error into the alert the
// state machine should die with.
func errToAlert(err error) Alert {
	switch {
	case err == nil:
		return AlertNoAlert
	case errors.Is(err, ErrBadRecordMAC):
		return AlertBadRecordMAC
	case errors.Is(err, ErrMalformedEncoding):
		return AlertDecodeError
	case errors.Is(err, ErrUnexpectedMessage):
		return AlertUnexpectedMessage
	case errors.Is(err, ErrUnsupportedFeature):
		return AlertUnexpectedMessage
	case errors.Is(err, ErrDecryptError):
		return AlertDecryptError
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return AlertCloseNotify
	}
	return AlertInternalError
}
