// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import "fmt"

// Type identifies what a message asks the broker to do.
type Type uint8

// Message types.
const (
	TypeRequest Type = iota + 1
	TypeResponse
	TypeOffer
	TypePoll
	TypeSubscribe
	TypeUnsubscribe
	TypePublish
	TypeCreateQueue
	TypeRemoveQueue
	TypeStatusQueue
	TypeCreateTempQueue
	TypeCreateTopic
	TypeRemoveTopic
	TypeStatusTopic
	TypeTest
	TypeServerStatus
	TypeServerThreadPoolStat
)

var typeNames = map[Type]string{
	TypeRequest:              "REQUEST",
	TypeResponse:             "RESPONSE",
	TypeOffer:                "OFFER",
	TypePoll:                 "POLL",
	TypeSubscribe:            "SUBSCRIBE",
	TypeUnsubscribe:          "UNSUBSCRIBE",
	TypePublish:              "PUBLISH",
	TypeCreateQueue:          "CREATE_QUEUE",
	TypeRemoveQueue:          "REMOVE_QUEUE",
	TypeStatusQueue:          "STATUS_QUEUE",
	TypeCreateTempQueue:      "CREATE_TEMP_QUEUE",
	TypeCreateTopic:          "CREATE_TOPIC",
	TypeRemoveTopic:          "REMOVE_TOPIC",
	TypeStatusTopic:          "STATUS_TOPIC",
	TypeTest:                 "TEST",
	TypeServerStatus:         "SERVER_STATUS",
	TypeServerThreadPoolStat: "SERVER_THREAD_POOL_STAT",
}

// String returns the wire name of the type.
func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Status is the outcome carried by a response.
type Status uint8

// Response statuses. StatusNull is the zero value and marks messages that are
// not responses.
const (
	StatusNull Status = iota
	StatusOK
	StatusServerError
	StatusHandlerError
	StatusBadRequest
	StatusQueueNotFound
	StatusQueueEmpty
	StatusQueueFull
	StatusDiffieHellmanKey
	StatusDiffieHellmanError
)

var statusNames = map[Status]string{
	StatusNull:               "NULL",
	StatusOK:                 "OK",
	StatusServerError:        "SERVER_ERROR",
	StatusHandlerError:       "HANDLER_ERROR",
	StatusBadRequest:         "BAD_REQUEST",
	StatusQueueNotFound:      "QUEUE_NOT_FOUND",
	StatusQueueEmpty:         "QUEUE_EMPTY",
	StatusQueueFull:          "QUEUE_FULL",
	StatusDiffieHellmanKey:   "DIFFIE_HELLMAN_KEY",
	StatusDiffieHellmanError: "DIFFIE_HELLMAN_ERROR",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}
