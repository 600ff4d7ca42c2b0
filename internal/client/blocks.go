package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ssd-technologies/blockfs/internal/protocol"
)

// storeBlock sends one block to node: READY, length, LENGTH_RECEIVED,
// payload, STORED.
func (c *Client) storeBlock(ctx context.Context, node protocol.Address, key string, data []byte) error {
	conn, err := protocol.Dial(ctx, node.String(), c.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := protocol.Request{Command: protocol.CmdStoreBlock, BlockKey: key}
	if err := conn.WriteLine(req.Encode()); err != nil {
		return err
	}
	if err := conn.Expect(protocol.TokReady); err != nil {
		return err
	}
	if err := conn.WriteLength(int64(len(data))); err != nil {
		return err
	}
	if err := conn.Expect(protocol.TokLengthReceived); err != nil {
		return err
	}
	if err := conn.WritePayload(bytes.NewReader(data), int64(len(data))); err != nil {
		return err
	}
	return conn.Expect(protocol.TokStored)
}

// retrieveBlock fetches one block from node. A node without the block yields
// ErrNotFound.
func (c *Client) retrieveBlock(ctx context.Context, node protocol.Address, key string) ([]byte, error) {
	conn, err := protocol.Dial(ctx, node.String(), c.timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := protocol.Request{Command: protocol.CmdRetrieveBlock, BlockKey: key}
	if err := conn.WriteLine(req.Encode()); err != nil {
		return nil, err
	}
	if err := conn.Expect(protocol.TokReady); err != nil {
		return nil, err
	}
	if err := conn.WriteLine(protocol.TokReady); err != nil {
		return nil, err
	}
	n, err := conn.ReadLength()
	if err != nil {
		return nil, err
	}
	if n > c.maxBlockSize {
		return nil, fmt.Errorf("%w: node announced %d bytes, limit %d", protocol.ErrProtocol, n, c.maxBlockSize)
	}
	if err := conn.WriteLine(protocol.TokLengthReceived); err != nil {
		return nil, err
	}
	return conn.ReadPayload(n)
}

// deleteBlock removes one block from node. A node that never had the block
// counts as success.
func (c *Client) deleteBlock(ctx context.Context, node protocol.Address, key string) error {
	conn, err := protocol.Dial(ctx, node.String(), c.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := protocol.Request{Command: protocol.CmdDeleteBlock, BlockKey: key}
	if err := conn.WriteLine(req.Encode()); err != nil {
		return err
	}
	if err := conn.Expect(protocol.TokDeleted); err != nil && !errors.Is(err, protocol.ErrNotFound) {
		return err
	}
	return nil
}

// fetchBlock tries the primary and then each replica in order and returns
// the first copy any of them serves.
func (c *Client) fetchBlock(ctx context.Context, fileID string, b protocol.BlockPlacement) ([]byte, error) {
	key := protocol.BlockKey(fileID, b.BlockID)
	var errs []error
	for _, node := range b.Nodes() {
		data, err := c.retrieveBlock(ctx, node, key)
		if err == nil {
			return data, nil
		}
		c.log.Debug().Err(err).Str("block_key", key).Str("addr", node.String()).Msg("block copy unavailable")
		errs = append(errs, fmt.Errorf("%s: %w", node, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}
