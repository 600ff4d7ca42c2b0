// Package protocol defines the wire protocol shared by the master, the storage
// nodes and the client: command framing, block streaming and the JSON data model
// for placement plans.
package protocol

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Address identifies one storage node.
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// String returns the address in host:port form.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddress parses a host:port string.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("parse address %q: invalid port", s)
	}
	if host == "" {
		return Address{}, fmt.Errorf("parse address %q: empty host", s)
	}
	return Address{Host: host, Port: port}, nil
}

// BlockPlacement names the nodes holding one block of a file. Primary never
// appears in Replicas.
type BlockPlacement struct {
	BlockID  int       `json:"blockID"`
	Primary  Address   `json:"primary"`
	Replicas []Address `json:"replica"`
}

// Nodes returns the primary followed by the replicas, in fallback order.
func (p BlockPlacement) Nodes() []Address {
	nodes := make([]Address, 0, 1+len(p.Replicas))
	nodes = append(nodes, p.Primary)
	return append(nodes, p.Replicas...)
}

// FileRecord is the placement plan of a whole file, indexed by block.
type FileRecord struct {
	FileID string           `json:"fileID"`
	Blocks []BlockPlacement `json:"blocks"`
}

// BlockKey returns the storage key of block index of fileID.
func BlockKey(fileID string, index int) string {
	return fmt.Sprintf("%s_block_%d", fileID, index)
}

// ValidBlockKey reports whether key is safe to use as a file name inside a
// node's data directory.
func ValidBlockKey(key string) bool {
	if key == "" || key == "." || key == ".." {
		return false
	}
	return !strings.ContainsAny(key, "/\\\x00\n") && !strings.Contains(key, Separator)
}

// ValidFileID reports whether id can be used as a file identifier on the wire.
func ValidFileID(id string) bool {
	return ValidBlockKey(BlockKey(id, 0))
}
