package minitls

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// SupportedVersionsExtension carries the supported_versions extension.  Its
// wire format differs between ClientHello (a list) and ServerHello (a single
// selected version), so the containing message type is part of the value.
type SupportedVersionsExtension struct {
	HandshakeType HandshakeType
	Versions      []uint16
}

func (sv SupportedVersionsExtension) Type() ExtensionType {
	return ExtensionTypeSupportedVersions
}

func (sv SupportedVersionsExtension) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	switch sv.HandshakeType {
	case HandshakeTypeClientHello:
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, v := range sv.Versions {
				b.AddUint16(v)
			}
		})
	case HandshakeTypeServerHello:
		if len(sv.Versions) != 1 {
			return nil, fmt.Errorf("%w: server supported_versions must select one version", ErrMalformedEncoding)
		}
		b.AddUint16(sv.Versions[0])
	default:
		return nil, fmt.Errorf("%w: supported_versions in message type %d", ErrMalformedEncoding, sv.HandshakeType)
	}
	return b.Bytes()
}

func (sv *SupportedVersionsExtension) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	sv.Versions = nil
	switch sv.HandshakeType {
	case HandshakeTypeClientHello:
		var versions cryptobyte.String
		if !s.ReadUint8LengthPrefixed(&versions) || versions.Empty() || len(versions)%2 != 0 {
			return 0, fmt.Errorf("%w: bad supported_versions list", ErrMalformedEncoding)
		}
		for !versions.Empty() {
			var v uint16
			versions.ReadUint16(&v)
			sv.Versions = append(sv.Versions, v)
		}
	case HandshakeTypeServerHello:
		var v uint16
		if !s.ReadUint16(&v) {
			return 0, fmt.Errorf("%w: bad supported_versions selection", ErrMalformedEncoding)
		}
		sv.Versions = []uint16{v}
	default:
		return 0, fmt.Errorf("%w: supported_versions in message type %d", ErrMalformedEncoding, sv.HandshakeType)
	}
	return len(data) - len(s), nil
}

// KeyShareExtension carries key_share.  As with supported_versions the format
// is message-dependent: the client offers a list of shares, the server echoes
// exactly one.
type KeyShareExtension struct {
	HandshakeType HandshakeType
	Shares        []KeyShareEntry
}

func (ks KeyShareExtension) Type() ExtensionType {
	return ExtensionTypeKeyShare
}

func (ks KeyShareExtension) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	switch ks.HandshakeType {
	case HandshakeTypeClientHello:
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, share := range ks.Shares {
				share.addTo(b)
			}
		})
	case HandshakeTypeServerHello:
		if len(ks.Shares) != 1 {
			return nil, fmt.Errorf("%w: server key_share must carry one entry", ErrMalformedEncoding)
		}
		ks.Shares[0].addTo(&b)
	default:
		return nil, fmt.Errorf("%w: key_share in message type %d", ErrMalformedEncoding, ks.HandshakeType)
	}
	return b.Bytes()
}

func (ks *KeyShareExtension) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	ks.Shares = nil
	switch ks.HandshakeType {
	case HandshakeTypeClientHello:
		var shares cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&shares) {
			return 0, fmt.Errorf("%w: bad key_share list", ErrMalformedEncoding)
		}
		for !shares.Empty() {
			share, err := readKeyShareEntry(&shares)
			if err != nil {
				return 0, err
			}
			ks.Shares = append(ks.Shares, share)
		}
	case HandshakeTypeServerHello:
		share, err := readKeyShareEntry(&s)
		if err != nil {
			return 0, err
		}
		ks.Shares = []KeyShareEntry{share}
	default:
		return 0, fmt.Errorf("%w: key_share in message type %d", ErrMalformedEncoding, ks.HandshakeType)
	}
	return len(data) - len(s), nil
}

// SupportedGroupsExtension lists the groups the client can do key exchange
// over, most preferred first.
type SupportedGroupsExtension struct {
	Groups []NamedGroup
}

func (sg SupportedGroupsExtension) Type() ExtensionType {
	return ExtensionTypeSupportedGroups
}

func (sg SupportedGroupsExtension) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, group := range sg.Groups {
			b.AddUint16(uint16(group))
		}
	})
	return b.Bytes()
}

func (sg *SupportedGroupsExtension) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var groups cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&groups) || groups.Empty() || len(groups)%2 != 0 {
		return 0, fmt.Errorf("%w: bad supported_groups list", ErrMalformedEncoding)
	}
	sg.Groups = nil
	for !groups.Empty() {
		var group uint16
		groups.ReadUint16(&group)
		sg.Groups = append(sg.Groups, NamedGroup(group))
	}
	return len(data) - len(s), nil
}

// SignatureAlgorithmsExtension lists the signature schemes the sender can
// verify, most preferred first.
type SignatureAlgorithmsExtension struct {
	Algorithms []SignatureScheme
}

func (sa SignatureAlgorithmsExtension) Type() ExtensionType {
	return ExtensionTypeSignatureAlgorithms
}

func (sa SignatureAlgorithmsExtension) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, alg := range sa.Algorithms {
			b.AddUint16(uint16(alg))
		}
	})
	return b.Bytes()
}

func (sa *SignatureAlgorithmsExtension) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var algs cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&algs) || algs.Empty() || len(algs)%2 != 0 {
		return 0, fmt.Errorf("%w: bad signature_algorithms list", ErrMalformedEncoding)
	}
	sa.Algorithms = nil
	for !algs.Empty() {
		var alg uint16
		algs.ReadUint16(&alg)
		sa.Algorithms = append(sa.Algorithms, SignatureScheme(alg))
	}
	return len(data) - len(s), nil
}

// ServerNameExtension is the SNI host name.  Only the host_name name type is
// representable.
type ServerNameExtension string

func (sni ServerNameExtension) Type() ExtensionType {
	return ExtensionTypeServerName
}

func (sni ServerNameExtension) Marshal() ([]byte, error) {
	if len(sni) == 0 {
		return nil, fmt.Errorf("%w: empty server name", ErrMalformedEncoding)
	}
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0) // name_type host_name
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(sni))
		})
	})
	return b.Bytes()
}

func (sni *ServerNameExtension) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var names cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&names) {
		return 0, fmt.Errorf("%w: bad server_name extension", ErrMalformedEncoding)
	}
	for !names.Empty() {
		var nameType uint8
		var name cryptobyte.String
		if !names.ReadUint8(&nameType) || !names.ReadUint16LengthPrefixed(&name) {
			return 0, fmt.Errorf("%w: bad server_name entry", ErrMalformedEncoding)
		}
		if nameType != 0 {
			continue
		}
		if name.Empty() {
			return 0, fmt.Errorf("%w: empty host_name", ErrMalformedEncoding)
		}
		*sni = ServerNameExtension(name)
		return len(data) - len(s), nil
	}
	return 0, fmt.Errorf("%w: server_name without host_name entry", ErrMalformedEncoding)
}
