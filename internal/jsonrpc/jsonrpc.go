// Package jsonrpc implements the wire framing shared by every transport
// adapter: newline-delimited JSON-RPC 2.0 objects over stdio and the Unix
// broker socket, text frames over WebSocket.
package jsonrpc

import (
	"encoding/json"

	"github.com/ashureev/shsh-agent-server/internal/ids"
)

// Error codes for the two reserved families the core surfaces to clients.
// Numeric values follow the JSON-RPC 2.0 reserved range.
const (
	CodeInvalidRequest = -32600
	CodeInternalError  = -32603
)

// ErrorObject is a JSON-RPC 2.0 error object.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// rawID marshals/unmarshals RequestId preserving whether the client used a
// string or a number, since JSON-RPC ids must round-trip as the same type.
type rawID struct {
	id ids.RequestId
}

func (r rawID) MarshalJSON() ([]byte, error) {
	if r.id.IsString {
		return json.Marshal(r.id.Str)
	}
	return json.Marshal(r.id.Num)
}

func (r *rawID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		r.id = ids.RequestId{Str: s, IsString: true}
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	r.id = ids.RequestId{Num: n}
	return nil
}

// Request is a client-to-server (or server-to-client, for reverse requests)
// JSON-RPC request. It always carries an id.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ids.RequestId   `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response carries a successful result correlated by ID.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ids.RequestId   `json:"id"`
	Result  json.RawMessage `json:"result"`
}

// Error carries a failed result correlated by ID.
type Error struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      ids.RequestId `json:"id"`
	Error   ErrorObject   `json:"error"`
}

// Notification has no id and expects no reply.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Message is the parsed form of any one of the four frame kinds. Exactly one
// of the Request/Response/Err/Notification fields is non-nil.
type Message struct {
	Request      *Request
	Response     *Response
	Err          *Error
	Notification *Notification
}

// wireEnvelope is the superset of fields across all four frame kinds, used
// to sniff which kind a frame is without a priori knowledge of its shape.
type wireEnvelope struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  *string          `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *ErrorObject     `json:"error,omitempty"`
}

// Parse decodes one newline-delimited frame into its concrete message kind.
func Parse(line []byte) (Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Message{}, err
	}

	switch {
	case env.Method != nil && env.ID != nil:
		var rid rawID
		if err := rid.UnmarshalJSON(*env.ID); err != nil {
			return Message{}, err
		}
		return Message{Request: &Request{JSONRPC: env.JSONRPC, ID: rid.id, Method: *env.Method, Params: env.Params}}, nil
	case env.Method != nil:
		return Message{Notification: &Notification{JSONRPC: env.JSONRPC, Method: *env.Method, Params: env.Params}}, nil
	case env.Error != nil:
		var rid rawID
		if env.ID != nil {
			if err := rid.UnmarshalJSON(*env.ID); err != nil {
				return Message{}, err
			}
		}
		return Message{Err: &Error{JSONRPC: env.JSONRPC, ID: rid.id, Error: *env.Error}}, nil
	default:
		var rid rawID
		if env.ID != nil {
			if err := rid.UnmarshalJSON(*env.ID); err != nil {
				return Message{}, err
			}
		}
		return Message{Response: &Response{JSONRPC: env.JSONRPC, ID: rid.id, Result: env.Result}}, nil
	}
}

// Encode serializes any one of the four frame kinds back to wire form.
func Encode(msg Message) ([]byte, error) {
	switch {
	case msg.Request != nil:
		r := msg.Request
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      rawID           `json:"id"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params,omitempty"`
		}{"2.0", rawID{r.ID}, r.Method, r.Params})
	case msg.Response != nil:
		r := msg.Response
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      rawID           `json:"id"`
			Result  json.RawMessage `json:"result"`
		}{"2.0", rawID{r.ID}, r.Result})
	case msg.Err != nil:
		e := msg.Err
		return json.Marshal(struct {
			JSONRPC string      `json:"jsonrpc"`
			ID      rawID       `json:"id"`
			Error   ErrorObject `json:"error"`
		}{"2.0", rawID{e.ID}, e.Error})
	case msg.Notification != nil:
		n := msg.Notification
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params,omitempty"`
		}{"2.0", n.Method, n.Params})
	default:
		return nil, errEmptyMessage
	}
}

var errEmptyMessage = jsonErr("jsonrpc: empty message")

type jsonErr string

func (e jsonErr) Error() string { return string(e) }
