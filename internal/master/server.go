package master

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ssd-technologies/blockfs/internal/protocol"
)

// Server answers master commands. Each connection carries exactly one
// command and one JSON reply.
type Server struct {
	*protocol.Listener

	state     *MasterState
	ioTimeout time.Duration
}

// NewServer creates a command server over state.
func NewServer(state *MasterState, ioTimeout time.Duration) *Server {
	s := &Server{state: state, ioTimeout: ioTimeout}
	s.Listener = protocol.NewListener(s.handle)
	return s
}

func (s *Server) handle(nc net.Conn) {
	c := protocol.NewConn(nc, s.ioTimeout)
	defer c.Close()
	logger := log.With().Str("conn_id", uuid.NewString()[:8]).Str("remote", c.Addr()).Logger()

	line, err := c.ReadLine()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.Debug().Err(err).Msg("read command")
		}
		return
	}

	resp := s.dispatch(line, &logger)
	if err := c.WriteJSON(resp); err != nil {
		logger.Warn().Err(err).Msg("write response")
	}
}

// dispatch executes one command line and returns the value to send back.
func (s *Server) dispatch(line string, logger *zerolog.Logger) any {
	req, err := protocol.ParseRequest(line)
	if err != nil {
		logger.Warn().Err(err).Msg("bad request")
		return errorResponse(err)
	}

	switch req.Command {
	case protocol.CmdStore:
		rec, err := s.state.Store(req.FileID, req.BlockCount)
		if err != nil {
			logger.Warn().Err(err).Str("file_id", req.FileID).Msg("store rejected")
			return errorResponse(err)
		}
		return rec
	case protocol.CmdRetrieve:
		rec, err := s.state.Retrieve(req.FileID)
		if err != nil {
			return errorResponse(err)
		}
		return rec
	case protocol.CmdDelete:
		rec, err := s.state.Delete(req.FileID)
		if err != nil {
			return errorResponse(err)
		}
		return rec
	case protocol.CmdNamespace:
		return s.state.Namespace()
	case protocol.CmdServerStatus:
		return s.state.Status()
	case protocol.CmdHeartbeat:
		s.state.Heartbeat(req.Node)
		return map[string]string{"status": "ok"}
	default:
		logger.Warn().Str("command", string(req.Command)).Msg("command not served by the master")
		return protocol.ErrorResponse{Error: protocol.MsgInvalidRequest}
	}
}

func errorResponse(err error) protocol.ErrorResponse {
	return protocol.ErrorResponse{Error: protocol.ErrorMessage(err)}
}
