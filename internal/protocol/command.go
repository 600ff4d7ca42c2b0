package protocol

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Separator delimits the fields of a command line.
const Separator = "::"

// MaxBlockCount caps the block count a STORE request may ask for.
const MaxBlockCount = 1 << 20

// Command tags a request line.
type Command string

// Master commands.
const (
	CmdStore        Command = "STORE"
	CmdRetrieve     Command = "RETRIEVE"
	CmdDelete       Command = "DELETE"
	CmdNamespace    Command = "GET_FILE_NAMESPACE"
	CmdServerStatus Command = "GET_STORAGE_SERVERS_STATUS"
	CmdHeartbeat    Command = "HEARTBEAT"
)

// Storage node commands.
const (
	CmdStoreBlock    Command = "STORE_BLOCK"
	CmdRetrieveBlock Command = "RETRIEVE_BLOCK"
	CmdDeleteBlock   Command = "DELETE_BLOCK"
)

// Control tokens exchanged during block transfers.
const (
	TokReady          = "READY"
	TokLengthReceived = "LENGTH_RECEIVED"
	TokStored         = "STORED"
	TokDeleted        = "DELETED"
	TokNotFound       = "NOT_FOUND"
	TokError          = "ERROR"
)

// Request is a command line parsed once at the connection boundary. Only the
// fields relevant to Command are set.
type Request struct {
	Command    Command
	FileID     string
	BlockCount int
	BlockKey   string
	Node       Address
}

// Encode renders the request as a command line without the trailing newline.
func (r Request) Encode() string {
	switch r.Command {
	case CmdStore:
		return join(string(r.Command), r.FileID, strconv.Itoa(r.BlockCount))
	case CmdRetrieve, CmdDelete:
		return join(string(r.Command), r.FileID)
	case CmdHeartbeat:
		return join(string(r.Command), r.Node.Host, strconv.Itoa(r.Node.Port))
	case CmdStoreBlock, CmdRetrieveBlock, CmdDeleteBlock:
		return join(string(r.Command), r.BlockKey)
	default:
		return string(r.Command)
	}
}

func join(fields ...string) string {
	return strings.Join(fields, Separator)
}

// ParseRequest parses a command line into a Request.
func ParseRequest(line string) (Request, error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), Separator)
	req := Request{Command: Command(fields[0])}
	args := fields[1:]

	switch req.Command {
	case CmdStore:
		if len(args) != 2 {
			return req, fmt.Errorf("%w: STORE takes fileID and blockCount", ErrInvalidRequest)
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 || n > MaxBlockCount {
			return req, fmt.Errorf("%w: bad block count %q", ErrInvalidRequest, args[1])
		}
		req.FileID, req.BlockCount = args[0], n
	case CmdRetrieve, CmdDelete:
		// Trailing empty fields are tolerated: "RETRIEVE::name::" is accepted.
		if len(args) == 0 || len(args) > 2 || (len(args) == 2 && args[1] != "") {
			return req, fmt.Errorf("%w: %s takes a fileID", ErrInvalidRequest, req.Command)
		}
		req.FileID = args[0]
	case CmdNamespace, CmdServerStatus:
		if len(args) > 0 && strings.Join(args, "") != "" {
			return req, fmt.Errorf("%w: %s takes no arguments", ErrInvalidRequest, req.Command)
		}
	case CmdHeartbeat:
		if len(args) != 2 {
			return req, fmt.Errorf("%w: HEARTBEAT takes host and port", ErrInvalidRequest)
		}
		addr, err := ParseAddress(net.JoinHostPort(args[0], args[1]))
		if err != nil {
			return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		req.Node = addr
	case CmdStoreBlock, CmdRetrieveBlock, CmdDeleteBlock:
		if len(args) != 1 || !ValidBlockKey(args[0]) {
			return req, fmt.Errorf("%w: %s takes a valid block key", ErrInvalidRequest, req.Command)
		}
		req.BlockKey = args[0]
	default:
		return req, fmt.Errorf("%w: unknown command %q", ErrInvalidRequest, fields[0])
	}

	if (req.Command == CmdStore || req.Command == CmdRetrieve || req.Command == CmdDelete) && !ValidFileID(req.FileID) {
		return req, fmt.Errorf("%w: bad file id %q", ErrInvalidRequest, req.FileID)
	}
	return req, nil
}
