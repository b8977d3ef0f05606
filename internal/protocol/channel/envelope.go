package channel

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Name is the default channel name shared by both sides of a connection.
const Name = "xframe"

type Kind string

const (
	KindSyn   Kind = "syn"
	KindAck   Kind = "ack"
	KindCall  Kind = "call"
	KindReply Kind = "reply"
	KindBye   Kind = "bye"
)

const (
	CodeError          = "error"
	CodeMethodNotFound = "method_not_found"
)

var ErrArgument = errors.New("channel: bad argument")

// envelope is the JSON body of every port message.
type envelope struct {
	Channel string            `json:"channel"`
	Kind    Kind              `json:"kind"`
	Session string            `json:"session,omitempty"`
	ID      uint64            `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	Args    []json.RawMessage `json:"args,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   *wireError        `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encodeEnvelope(env envelope) ([]byte, error) {
	return json.Marshal(env)
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, err
	}
	return env, nil
}

// RemoteError is a failure reported by the other side of a call.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Is matches sentinel errors by message, since only the text crosses the
// boundary.
func (e *RemoteError) Is(target error) bool {
	if target == nil {
		return false
	}
	if target == ErrMethodNotFound {
		return e.Code == CodeMethodNotFound
	}
	msg := target.Error()
	return msg != "" && strings.Contains(e.Message, msg)
}

func toWireError(err error) *wireError {
	code := CodeError
	if errors.Is(err, ErrMethodNotFound) {
		code = CodeMethodNotFound
	}
	return &wireError{Code: code, Message: err.Error()}
}

// Args are the raw arguments of one inbound call.
type Args []json.RawMessage

func (a Args) Len() int {
	return len(a)
}

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("%w: index %d of %d", ErrArgument, i, len(a))
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("%w: index %d: %v", ErrArgument, i, err)
	}
	return nil
}

func encodeArgs(args []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: index %d: %v", ErrArgument, i, err)
		}
		out[i] = raw
	}
	return out, nil
}
