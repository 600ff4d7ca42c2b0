package blocknode

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ssd-technologies/blockfs/internal/protocol"
)

// Server answers STORE_BLOCK, RETRIEVE_BLOCK and DELETE_BLOCK requests, one
// goroutine per connection. Connections share nothing but the block store.
type Server struct {
	*protocol.Listener

	store        *BlockStore
	maxBlockSize int64
	ioTimeout    time.Duration
}

// NewServer creates a block server over store. Blocks larger than
// maxBlockSize are refused; ioTimeout bounds each read and write.
func NewServer(store *BlockStore, maxBlockSize int64, ioTimeout time.Duration) *Server {
	s := &Server{
		store:        store,
		maxBlockSize: maxBlockSize,
		ioTimeout:    ioTimeout,
	}
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
	req, err := protocol.ParseRequest(line)
	if err != nil {
		logger.Warn().Err(err).Msg("bad request")
		c.WriteLine(protocol.TokError) //nolint:errcheck
		return
	}
	logger = logger.With().Str("block_key", req.BlockKey).Logger()

	switch req.Command {
	case protocol.CmdStoreBlock:
		err = s.storeBlock(c, req.BlockKey, &logger)
	case protocol.CmdRetrieveBlock:
		err = s.retrieveBlock(c, req.BlockKey)
	case protocol.CmdDeleteBlock:
		err = s.deleteBlock(c, req.BlockKey)
	default:
		logger.Warn().Str("command", string(req.Command)).Msg("command not served by storage nodes")
		err = c.WriteLine(protocol.TokError)
	}
	if err != nil {
		logger.Warn().Err(err).Str("command", string(req.Command)).Msg("request failed")
		return
	}
	logger.Debug().Str("command", string(req.Command)).Msg("request done")
}

// storeBlock runs READY → length → LENGTH_RECEIVED → payload → STORED. A
// payload shorter than declared is answered with ERROR and nothing is written.
func (s *Server) storeBlock(c *protocol.Conn, key string, logger *zerolog.Logger) error {
	if err := c.WriteLine(protocol.TokReady); err != nil {
		return err
	}
	n, err := c.ReadLength()
	if err != nil {
		c.WriteLine(protocol.TokError) //nolint:errcheck
		return fmt.Errorf("read length: %w", err)
	}
	if n > s.maxBlockSize {
		c.WriteLine(protocol.TokError) //nolint:errcheck
		return fmt.Errorf("%w: block of %d bytes exceeds limit %d", protocol.ErrInvalidRequest, n, s.maxBlockSize)
	}
	if err := c.WriteLine(protocol.TokLengthReceived); err != nil {
		return err
	}

	data, err := c.ReadPayload(n)
	if err != nil {
		c.WriteLine(protocol.TokError) //nolint:errcheck
		return fmt.Errorf("receive payload: %w", err)
	}
	if err := s.store.Put(key, data); err != nil {
		c.WriteLine(protocol.TokError) //nolint:errcheck
		return err
	}
	logger.Info().Int64("bytes", n).Msg("block stored")
	return c.WriteLine(protocol.TokStored)
}

// retrieveBlock runs READY ← READY → length ← LENGTH_RECEIVED → payload.
func (s *Server) retrieveBlock(c *protocol.Conn, key string) error {
	f, size, err := s.store.Open(key)
	if errors.Is(err, protocol.ErrNotFound) {
		return c.WriteLine(protocol.TokNotFound)
	}
	if err != nil {
		c.WriteLine(protocol.TokError) //nolint:errcheck
		return err
	}
	defer f.Close()

	if err := c.WriteLine(protocol.TokReady); err != nil {
		return err
	}
	if err := c.Expect(protocol.TokReady); err != nil {
		return err
	}
	if err := c.WriteLength(size); err != nil {
		return err
	}
	if err := c.Expect(protocol.TokLengthReceived); err != nil {
		return err
	}
	return c.WritePayload(f, size)
}

func (s *Server) deleteBlock(c *protocol.Conn, key string) error {
	err := s.store.Delete(key)
	switch {
	case err == nil:
		return c.WriteLine(protocol.TokDeleted)
	case errors.Is(err, protocol.ErrNotFound):
		return c.WriteLine(protocol.TokNotFound)
	default:
		c.WriteLine(protocol.TokError) //nolint:errcheck
		return err
	}
}
