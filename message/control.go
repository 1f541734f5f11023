// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

// Reserved subjects used by the connection handshake. They start with '$' and
// can therefore never collide with a valid queue, topic or function name.
const (
	SubjectHello = "$hello"
	SubjectDH    = "$dh"
	SubjectAuth  = "$auth"
)

// ProtocolVersion is the handshake protocol version.
const ProtocolVersion = 1

// QueueSpec is the CREATE_QUEUE payload.
type QueueSpec struct {
	Name        string `json:"name"`
	Capacity    int    `json:"capacity"`
	Type        string `json:"type"`
	Persistence string `json:"persistence"`
}

// QueueStatus is the STATUS_QUEUE response payload.
type QueueStatus struct {
	Name        string `json:"name"`
	Exists      bool   `json:"exists"`
	Type        string `json:"type,omitempty"`
	Persistence string `json:"persistence,omitempty"`
	Temporary   bool   `json:"temporary"`
	Capacity    int    `json:"capacity"`
	Size        int    `json:"size"`
}

// TempQueueSpec is the CREATE_TEMP_QUEUE payload.
type TempQueueSpec struct {
	Capacity int `json:"capacity"`
}

// TempQueue is the CREATE_TEMP_QUEUE response payload.
type TempQueue struct {
	Name string `json:"name"`
}

// TopicSpec is the CREATE_TOPIC payload.
type TopicSpec struct {
	Name string `json:"name"`
}

// TopicStatus is the STATUS_TOPIC response payload.
type TopicStatus struct {
	Name        string `json:"name"`
	Exists      bool   `json:"exists"`
	Subscribers int    `json:"subscribers"`
}

// TopicSet is the SUBSCRIBE and UNSUBSCRIBE payload.
type TopicSet struct {
	Topics []string `json:"topics"`
}

// PublishAck confirms a PUBLISH with the number of subscribers reached.
type PublishAck struct {
	Subscribers int `json:"subscribers"`
}

// Hello opens the handshake with the client's transport preferences.
type Hello struct {
	Version  int  `json:"version"`
	Encrypt  bool `json:"encrypt"`
	Compress bool `json:"compress"`
}

// Welcome answers Hello with the negotiated session parameters.
type Welcome struct {
	Version        int    `json:"version"`
	ConnectionID   string `json:"connectionId"`
	Encrypt        bool   `json:"encrypt"`
	CompressCutoff int64  `json:"compressCutoff"`
	Compression    string `json:"compression"`
	MaxMessageSize int64  `json:"maxMessageSize"`
	Auth           bool   `json:"auth"`
}

// Credentials authenticate a principal during the handshake.
type Credentials struct {
	Principal string `json:"principal"`
	Password  string `json:"password"`
}
