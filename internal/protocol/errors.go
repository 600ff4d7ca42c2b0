package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by every component.
var (
	ErrNotFound          = errors.New("not found")
	ErrNoHealthyNodes    = errors.New("not enough healthy nodes")
	ErrFileExists        = errors.New("file already exists")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrTransferIntegrity = errors.New("declared length does not match transferred bytes")
	ErrConnection        = errors.New("connection error")
	ErrProtocol          = errors.New("protocol violation")
)

// Error payload messages sent by the master.
const (
	MsgFileNotFound   = "File not found"
	MsgNoHealthyNodes = "No healthy nodes"
	MsgFileExists     = "File already exists"
	MsgInvalidRequest = "Invalid request"
	MsgInternal       = "Internal error"
)

// ErrorResponse is the JSON body the master sends instead of a result.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ErrorMessage maps err to the payload message the master puts on the wire.
func ErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return MsgFileNotFound
	case errors.Is(err, ErrNoHealthyNodes):
		return MsgNoHealthyNodes
	case errors.Is(err, ErrFileExists):
		return MsgFileExists
	case errors.Is(err, ErrInvalidRequest):
		return MsgInvalidRequest
	default:
		return MsgInternal
	}
}

// ErrorFromMessage is the inverse of ErrorMessage.
func ErrorFromMessage(msg string) error {
	switch msg {
	case MsgFileNotFound:
		return ErrNotFound
	case MsgNoHealthyNodes:
		return ErrNoHealthyNodes
	case MsgFileExists:
		return ErrFileExists
	case MsgInvalidRequest:
		return ErrInvalidRequest
	default:
		return fmt.Errorf("master error: %s", msg)
	}
}

// ConnError is a network-level failure talking to Addr.
type ConnError struct {
	Addr string
	Op   string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// Is makes every ConnError match ErrConnection.
func (e *ConnError) Is(target error) bool { return target == ErrConnection }

// PartialRetrievalError reports blocks that neither the primary nor any
// replica could serve.
type PartialRetrievalError struct {
	FileID  string
	Missing []int
	Causes  map[int]error
}

func (e *PartialRetrievalError) Error() string {
	idx := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		idx[i] = fmt.Sprint(m)
	}
	return fmt.Sprintf("retrieve %s: blocks [%s] unavailable on every node", e.FileID, strings.Join(idx, " "))
}
