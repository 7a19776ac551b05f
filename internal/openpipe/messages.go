// Package openpipe implements the client side of the Open Pipe protocol the
// HMI runtime speaks: newline-delimited JSON messages over a local stream
// socket, with tag and alarm subscriptions inbound and tag writes outbound.
package openpipe

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Message names used on the wire.
const (
	msgSubscribeTag         = "SubscribeTag"
	msgNotifySubscribeTag   = "NotifySubscribeTag"
	msgErrorSubscribeTag    = "ErrorSubscribeTag"
	msgWriteTag             = "WriteTag"
	msgNotifyWriteTag       = "NotifyWriteTag"
	msgErrorWriteTag        = "ErrorWriteTag"
	msgSubscribeAlarm       = "SubscribeAlarm"
	msgNotifySubscribeAlarm = "NotifySubscribeAlarm"
	msgErrorSubscribeAlarm  = "ErrorSubscribeAlarm"
)

// Envelope is the wire frame shared by every message: a discriminator, an
// optional parameter object, and the client-generated cookie that correlates
// replies. Error replies carry the error fields at the top level.
type Envelope struct {
	Message          string          `json:"Message"`
	Params           json.RawMessage `json:"Params,omitempty"`
	ClientCookie     string          `json:"ClientCookie"`
	ErrorCode        uint32          `json:"ErrorCode,omitempty"`
	ErrorDescription string          `json:"ErrorDescription,omitempty"`
}

// SubscribeTagParams asks for change notifications on the named tags.
type SubscribeTagParams struct {
	Tags []string `json:"Tags"`
}

// NotifyTag is one tag update inside a NotifySubscribeTag message.
type NotifyTag struct {
	Name             string `json:"Name"`
	Value            string `json:"Value"`
	Quality          string `json:"Quality,omitempty"`
	QualityCode      int    `json:"QualityCode,omitempty"`
	TimeStamp        string `json:"TimeStamp,omitempty"`
	ErrorCode        uint32 `json:"ErrorCode,omitempty"`
	ErrorDescription string `json:"ErrorDescription,omitempty"`
}

// NotifyTagsParams is the payload of NotifySubscribeTag.
type NotifyTagsParams struct {
	Tags []NotifyTag `json:"Tags"`
}

// TagValue is one outbound tag write.
type TagValue struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

// WriteTagParams is the payload of WriteTag.
type WriteTagParams struct {
	Tags []TagValue `json:"Tags"`
}

// NotifyWriteTag confirms one tag write.
type NotifyWriteTag struct {
	Name             string `json:"Name"`
	ErrorCode        uint32 `json:"ErrorCode,omitempty"`
	ErrorDescription string `json:"ErrorDescription,omitempty"`
}

// NotifyWriteTagsParams is the payload of NotifyWriteTag.
type NotifyWriteTagsParams struct {
	Tags []NotifyWriteTag `json:"Tags"`
}

// SubscribeAlarmParams asks for alarm notifications. The optional filters are
// not used by this client; the registry filters locally.
type SubscribeAlarmParams struct {
	SystemNames []string `json:"SystemNames,omitempty"`
	Filter      string   `json:"Filter,omitempty"`
	LanguageID  uint32   `json:"LanguageId,omitempty"`
}

// NotifyAlarm is one alarm record inside a NotifySubscribeAlarm message. The
// runtime sends every field as a string.
type NotifyAlarm struct {
	Name             string `json:"Name"`
	ID               string `json:"ID"`
	AlarmClassName   string `json:"AlarmClassName"`
	AlarmClassSymbol string `json:"AlarmClassSymbol,omitempty"`
	EventText        string `json:"EventText,omitempty"`
	InstanceID       string `json:"InstanceID"`
	Priority         string `json:"Priority,omitempty"`
	State            string `json:"State"`
	StateText        string `json:"StateText,omitempty"`
	StateMachine     string `json:"StateMachine,omitempty"`
	ModificationTime string `json:"ModificationTime,omitempty"`
}

// NotifyAlarmsParams is the payload of NotifySubscribeAlarm.
type NotifyAlarmsParams struct {
	Alarms []NotifyAlarm `json:"Alarms"`
}

// atoiField parses one of the alarm record's numeric string fields; absent or
// malformed fields become zero.
func atoiField(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// ProtocolError is an error reply from the runtime.
type ProtocolError struct {
	Code        uint32
	Description string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s (0x%08x)", e.Description, e.Code)
}
