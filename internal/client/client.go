// Package client stores, retrieves and deletes files on a blockfs cluster.
// It asks the master for placement plans and moves block data directly to and
// from the storage nodes.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ssd-technologies/blockfs/internal/config"
	"github.com/ssd-technologies/blockfs/internal/protocol"
)

// Blocks announced larger than this are refused on retrieval unless the
// configured block size is larger still.
const defaultMaxBlockSize = 64 * datasize.MB

// Client talks to one master and whichever storage nodes it names.
type Client struct {
	master       string
	blockSize    int64
	maxBlockSize int64
	timeout      time.Duration // per connection I/O
	opTimeout    time.Duration // whole operation, 0 means none
	log          zerolog.Logger
}

// New creates a Client from cfg.
func New(cfg config.Client) *Client {
	bs := int64(cfg.BlockSize.Bytes())
	return &Client{
		master:       cfg.Master,
		blockSize:    bs,
		maxBlockSize: max(bs, int64(defaultMaxBlockSize)),
		timeout:      cfg.Timeout.Duration,
		opTimeout:    cfg.OperationTimeout.Duration,
		log:          log.With().Str("master", cfg.Master).Logger(),
	}
}

// BlockSize returns the size files are split into.
func (c *Client) BlockSize() int64 { return c.blockSize }

// withTimeout bounds ctx by the operation timeout when one is configured and
// ctx has no deadline of its own. Individual connections are bounded by the
// I/O timeout regardless.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

// call sends one command to the master and decodes its reply into v. Error
// replies are mapped back to the protocol sentinels.
func (c *Client) call(ctx context.Context, req protocol.Request, v any) error {
	conn, err := protocol.Dial(ctx, c.master, c.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteLine(req.Encode()); err != nil {
		return err
	}
	var raw json.RawMessage
	if err := conn.ReadJSON(&raw); err != nil {
		return err
	}
	if len(raw) > 0 && raw[0] == '{' {
		var e protocol.ErrorResponse
		if err := json.Unmarshal(raw, &e); err == nil && e.Error != "" {
			return fmt.Errorf("master %s: %w", req.Command, protocol.ErrorFromMessage(e.Error))
		}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decode %s reply: %v", protocol.ErrProtocol, req.Command, err)
	}
	return nil
}

// Store splits size bytes from r into blocks and writes every block to its
// primary and then each replica. The first failure aborts the upload; blocks
// already written and the master record are left as they are.
func (c *Client) Store(ctx context.Context, fileID string, r io.Reader, size int64) (*protocol.FileRecord, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var rec protocol.FileRecord
	req := protocol.Request{Command: protocol.CmdStore, FileID: fileID, BlockCount: BlockCount(size, c.blockSize)}
	if err := c.call(ctx, req, &rec); err != nil {
		return nil, err
	}
	if len(rec.Blocks) != req.BlockCount {
		return &rec, fmt.Errorf("%w: master planned %d blocks, want %d", protocol.ErrProtocol, len(rec.Blocks), req.BlockCount)
	}

	sp := NewSplitter(r, size, c.blockSize)
	for _, b := range rec.Blocks {
		_, data, err := sp.Next()
		if err != nil {
			return &rec, fmt.Errorf("store %s: %w", fileID, err)
		}
		key := protocol.BlockKey(fileID, b.BlockID)
		for _, node := range b.Nodes() {
			if err := c.storeBlock(ctx, node, key, data); err != nil {
				return &rec, fmt.Errorf("store block %s on %s: %w", key, node, err)
			}
		}
		c.log.Debug().Str("block_key", key).Int("bytes", len(data)).Msg("block stored")
	}
	c.log.Info().Str("file_id", fileID).Int64("bytes", size).Int("blocks", len(rec.Blocks)).Msg("file stored")
	return &rec, nil
}

// StoreFile uploads the file at path under its base name.
func (c *Client) StoreFile(ctx context.Context, path string) (*protocol.FileRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return c.Store(ctx, filepath.Base(path), f, info.Size())
}

// RetrieveFile reassembles fileID. Each block is taken from its primary or,
// failing that, the first replica that serves it. If some block is served by
// no node the result is a *protocol.PartialRetrievalError and no data.
func (c *Client) RetrieveFile(ctx context.Context, fileID string) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var rec protocol.FileRecord
	if err := c.call(ctx, protocol.Request{Command: protocol.CmdRetrieve, FileID: fileID}, &rec); err != nil {
		return nil, err
	}

	var out []byte
	var partial *protocol.PartialRetrievalError
	for _, b := range rec.Blocks {
		data, err := c.fetchBlock(ctx, fileID, b)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("retrieve %s: %w", fileID, ctx.Err())
			}
			if partial == nil {
				partial = &protocol.PartialRetrievalError{FileID: fileID, Causes: make(map[int]error)}
			}
			partial.Missing = append(partial.Missing, b.BlockID)
			partial.Causes[b.BlockID] = err
			continue
		}
		out = append(out, data...)
	}
	if partial != nil {
		c.log.Warn().Str("file_id", fileID).Ints("missing", partial.Missing).Msg("retrieval incomplete")
		return nil, partial
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// RetrieveTo retrieves fileID and writes it to path.
func (c *Client) RetrieveTo(ctx context.Context, fileID, path string) error {
	data, err := c.RetrieveFile(ctx, fileID)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// DeleteFile removes fileID from the master and then asks every node holding
// one of its blocks to delete it. Every node is tried; the failures are
// joined. The master record is gone even when some nodes fail.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var rec protocol.FileRecord
	if err := c.call(ctx, protocol.Request{Command: protocol.CmdDelete, FileID: fileID}, &rec); err != nil {
		return err
	}
	var errs []error
	for _, b := range rec.Blocks {
		key := protocol.BlockKey(fileID, b.BlockID)
		for _, node := range b.Nodes() {
			if err := c.deleteBlock(ctx, node, key); err != nil {
				errs = append(errs, fmt.Errorf("delete block %s on %s: %w", key, node, err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.log.Warn().Err(err).Str("file_id", fileID).Msg("some block copies were not deleted")
		return err
	}
	c.log.Info().Str("file_id", fileID).Msg("file deleted")
	return nil
}

// ListFiles returns every stored file ID in ascending order.
func (c *Client) ListFiles(ctx context.Context) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var ids []string
	if err := c.call(ctx, protocol.Request{Command: protocol.CmdNamespace}, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// ServerStatus returns host:port → online for every node the master knows.
func (c *Client) ServerStatus(ctx context.Context) (map[string]bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var status map[string]bool
	if err := c.call(ctx, protocol.Request{Command: protocol.CmdServerStatus}, &status); err != nil {
		return nil, err
	}
	return status, nil
}
