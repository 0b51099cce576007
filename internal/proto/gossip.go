package proto

import (
	"encoding/json"
	"fmt"
)

const (
	MsgTypeGossipPush = "gossip_push"
	MsgTypeInv        = "inv"
	MsgTypeWant       = "want"

	MaxGossipPushSize = 2 << 20
	MaxInvSize        = 512 << 10
	MaxInvHashes      = 4096
)

type GossipPushMsg struct {
	Type         string         `json:"type"`
	ProtoVersion string         `json:"proto_version"`
	Suite        string         `json:"suite"`
	Hops         int            `json:"hops,omitempty"`
	From         string         `json:"from,omitempty"`
	FromPub      string         `json:"from_pub,omitempty"`
	Blobs        []WireBlob     `json:"blobs,omitempty"`
	Cancels      []CancelNotice `json:"cancels,omitempty"`
}

// InvMsg advertises recent hashes; the peer replies with a WantMsg.
// Cancelled lists the advertised hashes the sender holds as tombstoned, so
// a peer that missed the cancel notice can ask for the blob again.
type InvMsg struct {
	Type         string   `json:"type"`
	ProtoVersion string   `json:"proto_version"`
	Suite        string   `json:"suite"`
	From         string   `json:"from,omitempty"`
	FromPub      string   `json:"from_pub,omitempty"`
	Hashes       []string `json:"hashes"`
	Cancelled    []string `json:"cancelled,omitempty"`
}

type WantMsg struct {
	Type         string   `json:"type"`
	ProtoVersion string   `json:"proto_version"`
	Suite        string   `json:"suite"`
	Hashes       []string `json:"hashes"`
}

func EncodeGossipPushMsg(m GossipPushMsg) ([]byte, error) {
	m.Type = MsgTypeGossipPush
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	if m.Suite == "" {
		m.Suite = Suite
	}
	return json.Marshal(m)
}

func DecodeGossipPushMsg(data []byte) (GossipPushMsg, error) {
	var m GossipPushMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return GossipPushMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeGossipPush {
		return GossipPushMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return GossipPushMsg{}, err
	}
	if m.Hops < 0 {
		return GossipPushMsg{}, fmt.Errorf("negative hops")
	}
	return m, nil
}

func EncodeInvMsg(m InvMsg) ([]byte, error) {
	m.Type = MsgTypeInv
	m.ProtoVersion = ProtoVersion
	m.Suite = Suite
	if len(m.Hashes) > MaxInvHashes || len(m.Cancelled) > len(m.Hashes) {
		return nil, fmt.Errorf("too many hashes: %d/%d", len(m.Hashes), len(m.Cancelled))
	}
	return json.Marshal(m)
}

func DecodeInvMsg(data []byte) (InvMsg, error) {
	var m InvMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return InvMsg{}, err
	}
	if m.Type != MsgTypeInv {
		return InvMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return InvMsg{}, err
	}
	if len(m.Hashes) > MaxInvHashes || len(m.Cancelled) > len(m.Hashes) {
		return InvMsg{}, fmt.Errorf("too many hashes: %d/%d", len(m.Hashes), len(m.Cancelled))
	}
	return m, nil
}

func EncodeWantMsg(m WantMsg) ([]byte, error) {
	m.Type = MsgTypeWant
	m.ProtoVersion = ProtoVersion
	m.Suite = Suite
	return json.Marshal(m)
}

func DecodeWantMsg(data []byte) (WantMsg, error) {
	var m WantMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return WantMsg{}, err
	}
	if m.Type != MsgTypeWant {
		return WantMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if err := ValidateWireMeta(m.ProtoVersion, m.Suite); err != nil {
		return WantMsg{}, err
	}
	if len(m.Hashes) > MaxInvHashes {
		return WantMsg{}, fmt.Errorf("too many hashes: %d", len(m.Hashes))
	}
	return m, nil
}
