// Package protocol defines the request/response frames exchanged with
// workspace clients and the codecs used to put them on the wire.
package protocol

import "fmt"

// Reserved response ids for frames the server pushes on its own.
const (
	HelloID     int64 = -1
	NoticeID    int64 = -2
	BroadcastID int64 = -3
)

// Control and session method names.
const (
	MethodHello       = "hello"
	MethodMeasure     = "measure"
	MethodMeasureDone = "measure-done"
	MethodForceClose  = "forceClose"
	MethodPing        = "ping"
	MethodFindAll     = "findAll"
	MethodTx          = "tx"
	MethodGetAccount  = "getAccount"
)

// UpgradeMarker asks whether the session belongs to the upgrade generation
// of its workspace. It is reserved so no session method can shadow it.
const UpgradeMarker = "#upgrade"

// RawParam is a single request parameter still encoded in the codec's format.
type RawParam []byte

type Request struct {
	ID     int64
	Method string
	Params []RawParam
	Time   int64

	codec Codec
}

// NumParams reports how many parameters the request carries.
func (r *Request) NumParams() int {
	return len(r.Params)
}

// Param decodes parameter i into v. A missing parameter leaves v untouched.
func (r *Request) Param(i int, v any) error {
	if i >= len(r.Params) {
		return nil
	}
	if r.codec == nil {
		return fmt.Errorf("request %d: no codec attached", r.ID)
	}
	if err := r.codec.Unmarshal(r.Params[i], v); err != nil {
		return fmt.Errorf("request %d param %d: %w", r.ID, i, err)
	}
	return nil
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type ChunkInfo struct {
	Index int  `json:"index"`
	Final bool `json:"final"`
}

type Response struct {
	ID     int64      `json:"id"`
	Result any        `json:"result,omitempty"`
	Error  *Error     `json:"error,omitempty"`
	Time   int64      `json:"time,omitempty"`
	Chunk  *ChunkInfo `json:"chunk,omitempty"`
	Queue  int        `json:"queue,omitempty"`
}

// ClientResponse is a Response as seen by a client: the result stays encoded
// until the caller knows what to decode it into.
type ClientResponse struct {
	ID     int64
	Result RawParam
	Error  *Error
	Time   int64
	Chunk  *ChunkInfo
	Queue  int

	codec Codec
}

// Decode unmarshals the result into v.
func (r *ClientResponse) Decode(v any) error {
	if len(r.Result) == 0 {
		return nil
	}
	return r.codec.Unmarshal(r.Result, v)
}

type HelloParams struct {
	Binary      bool `json:"binary"`
	Compression bool `json:"compression"`
}

type HelloResult struct {
	Binary           bool   `json:"binary"`
	Compression      bool   `json:"compression"`
	Reconnect        bool   `json:"reconnect,omitempty"`
	AlreadyConnected bool   `json:"alreadyConnected,omitempty"`
	Upgrade          bool   `json:"upgrade,omitempty"`
	Error            string `json:"error,omitempty"`
	ServerVersion    string `json:"serverVersion,omitempty"`
}

type NoticeKind string

const (
	NoticeModelUpgrade NoticeKind = "model-upgrade"
	NoticeMaintenance  NoticeKind = "maintenance"
	NoticePing         NoticeKind = "ping"
)

type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Minutes int        `json:"minutes,omitempty"`
}

type MeasureResult struct {
	Name    string `json:"name"`
	Elapsed int64  `json:"elapsed,omitempty"`
}
