// internal/proto/proto.go
package proto

import "fmt"

const (
	ProtoVersion = "0.1.0"
	Suite        = "dexp2p-wire-v1"
)

func ValidateWireMeta(version, suite string) error {
	if version != "" && version != ProtoVersion {
		return fmt.Errorf("unsupported proto_version: %s", version)
	}
	if suite != "" && suite != Suite {
		return fmt.Errorf("unsupported suite: %s", suite)
	}
	return nil
}

// MaxSizeForType caps frames above SoftMaxFrameSize by message type.
func MaxSizeForType(t string) int {
	switch t {
	case MsgTypeGossipPush:
		return MaxGossipPushSize
	case MsgTypeInv, MsgTypeWant:
		return MaxInvSize
	default:
		return SoftMaxFrameSize
	}
}
