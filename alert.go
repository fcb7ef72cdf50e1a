package minitls

import "fmt"

// Alert is a TLS alert description code.  Inside the state machine and the
// record layer, failures are signaled as Alert values; the Conn translates
// the terminal alert into a single wrapped Go error for the caller.
type Alert uint8

const (
	// Alert level octets
	AlertLevelWarning = 1
	AlertLevelError   = 2
)

const (
	AlertCloseNotify           Alert = 0
	AlertUnexpectedMessage     Alert = 10
	AlertBadRecordMAC          Alert = 20
	AlertRecordOverflow        Alert = 22
	AlertHandshakeFailure      Alert = 40
	AlertBadCertificate        Alert = 42
	AlertUnsupportedCert       Alert = 43
	AlertCertificateRevoked    Alert = 44
	AlertCertificateExpired    Alert = 45
	AlertCertificateUnknown    Alert = 46
	AlertIllegalParameter      Alert = 47
	AlertUnknownCA             Alert = 48
	AlertAccessDenied          Alert = 49
	AlertDecodeError           Alert = 50
	AlertDecryptError          Alert = 51
	AlertProtocolVersion       Alert = 70
	AlertInsufficientSecurity  Alert = 71
	AlertInternalError         Alert = 80
	AlertInappropriateFallback Alert = 86
	AlertUserCanceled          Alert = 90
	AlertMissingExtension      Alert = 109
	AlertUnsupportedExtension  Alert = 110
	AlertUnrecognizedName      Alert = 112
	AlertNoApplicationProtocol Alert = 120
	AlertWouldBlock            Alert = 254
	AlertNoAlert               Alert = 255
)

var alertText = map[Alert]string{
	AlertCloseNotify:           "close notify",
	AlertUnexpectedMessage:     "unexpected message",
	AlertBadRecordMAC:          "bad record MAC",
	AlertRecordOverflow:        "record overflow",
	AlertHandshakeFailure:      "handshake failure",
	AlertBadCertificate:        "bad certificate",
	AlertUnsupportedCert:       "unsupported certificate",
	AlertCertificateRevoked:    "revoked certificate",
	AlertCertificateExpired:    "expired certificate",
	AlertCertificateUnknown:    "unknown certificate",
	AlertIllegalParameter:      "illegal parameter",
	AlertUnknownCA:             "unknown certificate authority",
	AlertAccessDenied:          "access denied",
	AlertDecodeError:           "error decoding message",
	AlertDecryptError:          "error decrypting message",
	AlertProtocolVersion:       "protocol version not supported",
	AlertInsufficientSecurity:  "insufficient security level",
	AlertInternalError:         "internal error",
	AlertInappropriateFallback: "inappropriate fallback",
	AlertUserCanceled:          "user canceled",
	AlertMissingExtension:      "missing extension",
	AlertUnsupportedExtension:  "unsupported extension",
	AlertUnrecognizedName:      "unrecognized name",
	AlertNoApplicationProtocol: "no application protocol",
	AlertWouldBlock:            "would have blocked",
	AlertNoAlert:               "no alert",
}

func (e Alert) String() string {
	s, ok := alertText[e]
	if ok {
		return s
	}
	return fmt.Sprintf("alert(%d)", uint8(e))
}

func (e Alert) Error() string {
	return e.String()
}
