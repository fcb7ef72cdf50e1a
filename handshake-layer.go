package minitls

import (
	"fmt"
	"io"
)

// HandshakeLayer turns a record stream into a handshake-message stream.  A
// handshake message may span multiple records and a record may carry several
// messages, so a rolling reassembly buffer sits between the two layers.
type HandshakeLayer struct {
	record    *DefaultRecordLayer
	remainder []byte
	queued    []byte
}

// remoteAlertError is a fatal alert received from the peer, as opposed to an
// alert we decided to send.
type remoteAlertError struct {
	alert Alert
}

func (e remoteAlertError) Error() string {
	return fmt.Sprintf("received fatal alert: %v", e.alert)
}

func NewHandshakeLayerTLS(record *DefaultRecordLayer) *HandshakeLayer {
	return &HandshakeLayer{record: record}
}

// ReadMessage blocks until one full handshake message is available.
// Middlebox-compatibility CCS records are ignored; warning alerts are
// dropped; close_notify surfaces as io.EOF and fatal alerts as
// remoteAlertError.
func (h *HandshakeLayer) ReadMessage() (*HandshakeMessage, error) {
	for {
		if hm, ok, err := h.popMessage(); err != nil || ok {
			return hm, err
		}

		pt, err := h.record.ReadRecord()
		if err != nil {
			return nil, err
		}

		switch pt.contentType {
		case RecordTypeHandshake:
			if len(pt.fragment) == 0 {
				return nil, fmt.Errorf("%w: zero-length handshake record", ErrMalformedEncoding)
			}
			h.remainder = append(h.remainder, pt.fragment...)

		case RecordTypeChangeCipherSpec:
			// RFC 8446, Section 5: drop compatibility-mode CCS on the floor.
			if len(pt.fragment) != 1 || pt.fragment[0] != 1 {
				return nil, fmt.Errorf("%w: malformed change_cipher_spec", ErrMalformedEncoding)
			}
			logf(logTypeFrameReader, "ignoring change_cipher_spec record")

		case RecordTypeAlert:
			alert, err := parseAlertRecord(pt.fragment)
			if err != nil {
				return nil, err
			}
			if alert != AlertNoAlert {
				return nil, remoteAlertError{alert: alert}
			}

		default:
			return nil, fmt.Errorf("%w: %d record during handshake", ErrUnexpectedMessage, pt.contentType)
		}
	}
}

// popMessage slices one complete message off the reassembly buffer.
func (h *HandshakeLayer) popMessage() (*HandshakeMessage, bool, error) {
	if len(h.remainder) < handshakeHeaderLenTLS {
		return nil, false, nil
	}
	msgType, msgLen, err := decodeHandshakeHeader(h.remainder)
	if err != nil {
		return nil, false, err
	}
	if len(h.remainder) < handshakeHeaderLenTLS+msgLen {
		return nil, false, nil
	}
	hm := &HandshakeMessage{
		msgType: msgType,
		body:    dup(h.remainder[handshakeHeaderLenTLS : handshakeHeaderLenTLS+msgLen]),
	}
	h.remainder = h.remainder[handshakeHeaderLenTLS+msgLen:]
	logf(logTypeFrameReader, "read handshake message type=%d len=%d", hm.msgType, len(hm.body))
	return hm, true, nil
}

// parseAlertRecord returns AlertNoAlert for alerts that should simply be
// dropped, io.EOF for close_notify, and the alert itself when it is fatal.
func parseAlertRecord(fragment []byte) (Alert, error) {
	if len(fragment) != 2 {
		return AlertNoAlert, fmt.Errorf("%w: malformed alert record", ErrMalformedEncoding)
	}
	alert := Alert(fragment[1])
	if alert == AlertCloseNotify {
		return AlertNoAlert, io.EOF
	}
	switch fragment[0] {
	case AlertLevelWarning:
		logf(logTypeIO, "dropping warning alert: %v", alert)
		return AlertNoAlert, nil
	case AlertLevelError:
		return alert, nil
	}
	return AlertNoAlert, fmt.Errorf("%w: unknown alert level %d", ErrMalformedEncoding, fragment[0])
}

// QueueMessage appends a message to the outbound queue.  Nothing hits the
// wire until SendQueuedMessages, so several messages of a flight can share
// records.
func (h *HandshakeLayer) QueueMessage(hm *HandshakeMessage) error {
	h.queued = append(h.queued, hm.Marshal()...)
	logf(logTypeFrameReader, "queued handshake message type=%d len=%d", hm.msgType, len(hm.body))
	return nil
}

// SendQueuedMessages flushes the queue, fragmenting across records as
// needed.
func (h *HandshakeLayer) SendQueuedMessages() (int, error) {
	sent := 0
	for sent < len(h.queued) {
		chunk := len(h.queued) - sent
		if chunk > maxFragmentLen {
			chunk = maxFragmentLen
		}
		err := h.record.WriteRecord(&TLSPlaintext{
			contentType: RecordTypeHandshake,
			fragment:    h.queued[sent : sent+chunk],
		})
		if err != nil {
			return sent, err
		}
		sent += chunk
	}
	h.queued = nil
	return sent, nil
}

// HandshakeContext holds the two handshake layers (one per direction) shared
// by the state machine and the connection.
type HandshakeContext struct {
	hIn, hOut *HandshakeLayer
}
