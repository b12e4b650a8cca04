package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var ErrEmptyFrame = errors.New("empty frame")

// Codec turns frames into requests and responses. Text sessions use JSON,
// binary sessions use CBOR.
type Codec interface {
	Name() string
	Binary() bool
	DecodeRequest(data []byte) (*Request, error)
	EncodeRequest(id int64, method string, params ...any) ([]byte, error)
	EncodeResponse(resp *Response) ([]byte, error)
	DecodeResponse(data []byte) (*ClientResponse, error)
	Unmarshal(raw []byte, v any) error
}

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = newCBORCodec()
)

// CodecFor picks the codec for a negotiated wire mode.
func CodecFor(binary bool) Codec {
	if binary {
		return CBOR
	}
	return JSON
}

type wireRequest[P any] struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params []P    `json:"params,omitempty"`
	Time   int64  `json:"time,omitempty"`
}

type wireResponse[P any] struct {
	ID     int64      `json:"id"`
	Result P          `json:"result,omitempty"`
	Error  *Error     `json:"error,omitempty"`
	Time   int64      `json:"time,omitempty"`
	Chunk  *ChunkInfo `json:"chunk,omitempty"`
	Queue  int        `json:"queue,omitempty"`
}

func toRequest[P ~[]byte](w *wireRequest[P], c Codec) (*Request, error) {
	if w.Method == "" {
		return nil, fmt.Errorf("%s request %d: missing method", c.Name(), w.ID)
	}
	req := &Request{ID: w.ID, Method: w.Method, Time: w.Time, codec: c}
	req.Params = make([]RawParam, len(w.Params))
	for i, p := range w.Params {
		req.Params[i] = RawParam(p)
	}
	return req, nil
}

func toClientResponse[P ~[]byte](w *wireResponse[P], c Codec) *ClientResponse {
	return &ClientResponse{
		ID:     w.ID,
		Result: RawParam(w.Result),
		Error:  w.Error,
		Time:   w.Time,
		Chunk:  w.Chunk,
		Queue:  w.Queue,
		codec:  c,
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Binary() bool { return false }

func (c jsonCodec) DecodeRequest(data []byte) (*Request, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	var w wireRequest[json.RawMessage]
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("json request: %w", err)
	}
	return toRequest(&w, c)
}

func (jsonCodec) EncodeRequest(id int64, method string, params ...any) ([]byte, error) {
	return json.Marshal(wireRequest[any]{ID: id, Method: method, Params: params})
}

func (jsonCodec) EncodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

func (c jsonCodec) DecodeResponse(data []byte) (*ClientResponse, error) {
	var w wireResponse[json.RawMessage]
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("json response: %w", err)
	}
	return toClientResponse(&w, c), nil
}

func (jsonCodec) Unmarshal(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.EncOptions{Time: cbor.TimeUnixMicro}.EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string { return "cbor" }
func (cborCodec) Binary() bool { return true }

func (c cborCodec) DecodeRequest(data []byte) (*Request, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	var w wireRequest[cbor.RawMessage]
	if err := c.dec.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("cbor request: %w", err)
	}
	return toRequest(&w, c)
}

func (c cborCodec) EncodeRequest(id int64, method string, params ...any) ([]byte, error) {
	return c.enc.Marshal(wireRequest[any]{ID: id, Method: method, Params: params})
}

func (c cborCodec) EncodeResponse(resp *Response) ([]byte, error) {
	return c.enc.Marshal(resp)
}

func (c cborCodec) DecodeResponse(data []byte) (*ClientResponse, error) {
	var w wireResponse[cbor.RawMessage]
	if err := c.dec.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("cbor response: %w", err)
	}
	return toClientResponse(&w, c), nil
}

func (c cborCodec) Unmarshal(raw []byte, v any) error {
	return c.dec.Unmarshal(raw, v)
}
