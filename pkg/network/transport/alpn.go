package transport

import (
	"fmt"
	"strings"
)

const (
	protocolPrefix = "kvbridge"
	currentVersion = "1"
)

// ProtocolID is the ALPN identifier negotiated by both ends.
type ProtocolID struct {
	Version string
}

func NewProtocolID() *ProtocolID {
	return &ProtocolID{Version: currentVersion}
}

func (p *ProtocolID) String() string {
	return protocolPrefix + "/" + p.Version
}

// ParseProtocolID parses an ALPN protocol string into a ProtocolID.
func ParseProtocolID(protocol string) (*ProtocolID, error) {
	parts := strings.Split(protocol, "/")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid protocol format: %s", protocol)
	}
	if parts[0] != protocolPrefix {
		return nil, fmt.Errorf("invalid protocol prefix: %s", parts[0])
	}
	if parts[1] != currentVersion {
		return nil, fmt.Errorf("unsupported protocol version: %s", parts[1])
	}
	return &ProtocolID{Version: parts[1]}, nil
}

func ValidateALPNProtocol(protocol string) error {
	_, err := ParseProtocolID(protocol)
	return err
}
