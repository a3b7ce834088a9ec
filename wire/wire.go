// Package wire implements the JSON-RPC 2.0 frame format exchanged between
// drpc peers, and the error catalogue shared by the engine and its callers.
//
// A frame is a single JSON object carried as one channel message. Three
// shapes occur on the wire: a request {id, method, params}, a success
// response {id, result}, and an error response {id, error}. The "jsonrpc"
// version tag is emitted on encode for the benefit of strict JSON-RPC 2.0
// readers, but its absence on decode is not an error.
package wire

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// Version is the JSON-RPC protocol version emitted in encoded frames.
const Version = "2.0"

// Error codes assigned by the JSON-RPC 2.0 specification and by the drpc
// protocol. Codes -32099..-32002 are reserved for server implementations;
// codes -32768..-32100 are reserved by the specification and must not be
// newly assigned. Any other code is application-defined.
const (
	CodeParseError     = -32700 // malformed JSON
	CodeInvalidRequest = -32600 // request shape invalid
	CodeMethodNotFound = -32601 // no handler for method
	CodeInvalidParams  = -32602 // params not an array
	CodeInternalError  = -32603 // handler failure or chain contract violation
	CodeDisconnected   = -32000 // connection closed while request pending
	CodeTimeout        = -32001 // request deadline elapsed
)

// messageText maps catalogue codes to their fixed message strings.
var messageText = map[int]string{
	CodeParseError:     "Parse error.",
	CodeInvalidRequest: "Invalid Request.",
	CodeMethodNotFound: "Method not found.",
	CodeInvalidParams:  "Invalid params.",
	CodeInternalError:  "Internal error.",
	CodeDisconnected:   "Server disconnected.",
	CodeTimeout:        "Request timeout.",
}

// Message returns the fixed message string for a catalogue code, or "" if
// code is not in the catalogue.
func Message(code int) string { return messageText[code] }

// An ErrorType is the coarse classification tag attached to errors presented
// to local callers.
type ErrorType string

const (
	TypeNetwork  ErrorType = "NETWORK"
	TypeProtocol ErrorType = "PROTOCOL"
	TypeBusiness ErrorType = "BUSINESS"
	TypeSystem   ErrorType = "SYSTEM"
)

// TypeForCode derives the error type for a status code. Codes outside the
// catalogue are classified as SYSTEM.
func TypeForCode(code int) ErrorType {
	switch code {
	case CodeParseError, CodeInvalidRequest:
		return TypeProtocol
	case CodeMethodNotFound, CodeInvalidParams:
		return TypeBusiness
	case CodeDisconnected, CodeTimeout:
		return TypeNetwork
	default:
		return TypeSystem
	}
}

// An Error is the concrete type of errors reported to local callers, and may
// also be returned by a method handler to control the code, message, and
// auxiliary data delivered to the remote caller. A handler error that is not
// an *Error is mapped by the engine onto the catalogue.
type Error struct {
	Code    int             // status code, usually from the catalogue
	Message string          // human-readable message
	Data    json.RawMessage // optional auxiliary data, preserved verbatim
	Type    ErrorType       // classification tag; derived from Code if empty
}

// NewError constructs an *Error with the given code. If message == "", the
// catalogue message for code is used. The type tag is derived from code.
func NewError(code int, message string) *Error {
	if message == "" {
		message = Message(code)
	}
	return &Error{Code: code, Message: message, Type: TypeForCode(code)}
}

// WithData returns e with its auxiliary data set to the encoding of v.
func (e *Error) WithData(v any) *Error { e.Data = MarshalValue(v); return e }

// Error satisfies the error interface.
func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// An ErrorObject is the wire form of an error response payload.
//
// The "type" member is a drpc extension carrying the classification tag
// end-to-end; strict JSON-RPC readers ignore it.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Type    ErrorType       `json:"type,omitempty"`
}

// Err converts the wire object into the local error carrier.
func (o *ErrorObject) Err() *Error {
	typ := o.Type
	if typ == "" {
		typ = TypeForCode(o.Code)
	}
	return &Error{Code: o.Code, Message: o.Message, Data: o.Data, Type: typ}
}

// Object converts e into its wire form.
func (e *Error) Object() *ErrorObject {
	return &ErrorObject{Code: e.Code, Message: e.Message, Data: e.Data, Type: e.Type}
}

// A Frame is the parsed form of a single JSON-RPC message.
type Frame struct {
	ID     json.RawMessage // the id member, verbatim; nil if absent
	Method string          // the method name; meaningful only if IsRequest
	Params json.RawMessage // the params member, verbatim; nil if absent
	Result json.RawMessage // the result member, verbatim; nil if absent
	Error  *ErrorObject    // the error member; nil if absent

	hasMethod bool
}

// IsRequest reports whether f carries a string method member. The empty
// method name is a valid request target.
func (f *Frame) IsRequest() bool { return f.hasMethod }

// IsResponse reports whether f is a response, i.e. has no string method
// member but does carry an id.
func (f *Frame) IsResponse() bool { return !f.hasMethod && f.ID != nil }

// CallID reports the frame id as an integer. It returns false if the id is
// absent or not an integer.
func (f *Frame) CallID() (int64, bool) {
	id, err := strconv.ParseInt(string(f.ID), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// String returns a human-friendly rendering of the frame.
func (f *Frame) String() string {
	switch {
	case f.IsRequest():
		return fmt.Sprintf("Request(ID=%s, Method=%q, Params=%s)", f.ID, f.Method, f.Params)
	case f.Error != nil:
		return fmt.Sprintf("Error(ID=%s, Code=%d, %q)", f.ID, f.Error.Code, f.Error.Message)
	case f.IsResponse():
		return fmt.Sprintf("Result(ID=%s, %s)", f.ID, f.Result)
	default:
		return fmt.Sprintf("Frame(ID=%s)", f.ID)
	}
}

// rawFrame is the decoding shadow of Frame; every member is kept raw so that
// classification can distinguish "absent" from "present but another type".
type rawFrame struct {
	ID     json.RawMessage `json:"id"`
	Method json.RawMessage `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// Decode parses text as a single frame. A frame is classified as a request
// if it has a string method member, otherwise as a response if it has an id.
// Decode does not require or validate the "jsonrpc" version tag.
func Decode(text string) (*Frame, error) {
	var raw rawFrame
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	f := &Frame{ID: raw.ID, Params: raw.Params, Result: raw.Result}
	if len(raw.Method) > 0 && raw.Method[0] == '"' {
		if err := json.Unmarshal(raw.Method, &f.Method); err != nil {
			return nil, fmt.Errorf("invalid method: %w", err)
		}
		f.hasMethod = true
	}
	if len(raw.Error) > 0 && string(raw.Error) != "null" {
		var obj ErrorObject
		if err := json.Unmarshal(raw.Error, &obj); err != nil {
			return nil, fmt.Errorf("invalid error member: %w", err)
		}
		f.Error = &obj
	}
	return f, nil
}

// frameJSON is the encoding shadow of Frame.
type frameJSON struct {
	Version string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  *string         `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// Encode renders f as a single-line JSON text.
func (f *Frame) Encode() string {
	enc := frameJSON{
		Version: Version,
		ID:      f.ID,
		Params:  f.Params,
		Result:  f.Result,
		Error:   f.Error,
	}
	if f.hasMethod {
		enc.Method = &f.Method
	}
	data, err := json.Marshal(enc)
	if err != nil {
		panic(fmt.Errorf("encoding frame: %w", err))
	}
	return string(data)
}

// IDValue returns the wire encoding of a numeric call id.
func IDValue(n int64) json.RawMessage { return strconv.AppendInt(nil, n, 10) }

// NewRequest constructs a request frame for the given id, method, and
// positional parameters. The params member is always an array.
func NewRequest(id int64, method string, params []any) *Frame {
	enc := []byte("[")
	for i, p := range params {
		if i > 0 {
			enc = append(enc, ',')
		}
		enc = append(enc, MarshalValue(p)...)
	}
	enc = append(enc, ']')
	return &Frame{
		ID:        IDValue(id),
		Method:    method,
		Params:    enc,
		hasMethod: true,
	}
}

// NewResult constructs a success response frame carrying the encoding of v.
// An unencodable v is reported as null.
func NewResult(id json.RawMessage, v any) *Frame {
	return &Frame{ID: id, Result: MarshalValue(v)}
}

// NewErrorFrame constructs an error response frame for the given id.
func NewErrorFrame(id json.RawMessage, err *Error) *Frame {
	return &Frame{ID: id, Error: err.Object()}
}

var null = json.RawMessage("null")

// MarshalValue encodes v as JSON with host-normalized semantics: NaN and
// infinite floats become null, values JSON cannot express (functions,
// channels) become null, and nil becomes null. time.Time values use their
// RFC 3339 encoding. MarshalValue does not fail.
func MarshalValue(v any) json.RawMessage {
	data, err := json.Marshal(normalize(v))
	if err != nil {
		return null
	}
	return data
}

// UnmarshalValue decodes raw into a generic JSON value. An absent or empty
// raw decodes as nil.
func UnmarshalValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// normalize rewrites v so that encoding/json can encode it, mapping values
// without a JSON representation to nil.
func normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return t
	case float32:
		return normalize(float64(t))
	case json.RawMessage:
		return t
	case []byte:
		return t
	case string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return t
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if _, err := json.Marshal(v); err == nil {
			return v
		}
		return normalize(rv.Elem().Interface())
	case reflect.Float32, reflect.Float64:
		return normalize(rv.Float())
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(map[string]any, rv.Len())
		for _, k := range rv.MapKeys() {
			out[k.String()] = normalize(rv.MapIndex(k).Interface())
		}
		return out
	}

	// Structs and anything else: keep the value if the encoder accepts it.
	if _, err := json.Marshal(v); err != nil {
		return nil
	}
	return v
}
