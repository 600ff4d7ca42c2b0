package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/c2h5oh/datasize"

	"github.com/ssd-technologies/blockfs/internal/client"
	"github.com/ssd-technologies/blockfs/internal/config"
	"github.com/ssd-technologies/blockfs/internal/logging"
)

const usage = `Usage: blockfs [--config FILE] <command> [args]

Commands:
  store <path>            upload a local file under its base name
  retrieve <id> [<dest>]  download a file (dest defaults to the id)
  delete <id>             remove a file and its blocks
  list                    list stored files
  status                  show storage node health`

func main() {
	args, cfgPath := splitConfigFlag(os.Args[1:])
	if len(args) < 1 {
		fmt.Println(usage)
		os.Exit(1)
	}

	cfg, _, err := config.LoadClient(cfgPath)
	logging.Setup(cfg.Logger, "client")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if m := os.Getenv("BLOCKFS_MASTER"); m != "" {
		cfg.Master = m
	}
	c := client.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "store":
		need(args, 2)
		cmdStore(ctx, c, args[1])
	case "retrieve":
		need(args, 2)
		dest := args[1]
		if len(args) > 2 {
			dest = args[2]
		}
		cmdRetrieve(ctx, c, args[1], dest)
	case "delete":
		need(args, 2)
		cmdDelete(ctx, c, args[1])
	case "list":
		cmdList(ctx, c)
	case "status":
		cmdStatus(ctx, c)
	default:
		fmt.Printf("Unknown command: %s\n", args[0])
		fmt.Println(usage)
		os.Exit(1)
	}
}

func splitConfigFlag(args []string) (rest []string, path string) {
	path = os.Getenv("BLOCKFS_CLIENT_CONFIG")
	if path == "" {
		path = "client.yaml"
	}
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config" && i+1 < len(args):
			path = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--config="):
			path = strings.TrimPrefix(args[i], "--config=")
		default:
			rest = append(rest, args[i])
		}
	}
	return rest, path
}

func need(args []string, n int) {
	if len(args) < n {
		fmt.Println(usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func cmdStore(ctx context.Context, c *client.Client, path string) {
	rec, err := c.StoreFile(ctx, path)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Stored %s in %d blocks of up to %s\n", rec.FileID, len(rec.Blocks), datasize.ByteSize(c.BlockSize()).HR())
	for _, b := range rec.Blocks {
		replicas := make([]string, len(b.Replicas))
		for i, r := range b.Replicas {
			replicas[i] = r.String()
		}
		fmt.Printf("  block %d  primary %s  replicas %s\n", b.BlockID, b.Primary, strings.Join(replicas, ", "))
	}
}

func cmdRetrieve(ctx context.Context, c *client.Client, fileID, dest string) {
	if err := c.RetrieveTo(ctx, fileID, dest); err != nil {
		fail(err)
	}
	fmt.Printf("Retrieved %s to %s\n", fileID, dest)
}

func cmdDelete(ctx context.Context, c *client.Client, fileID string) {
	if err := c.DeleteFile(ctx, fileID); err != nil {
		fail(err)
	}
	fmt.Printf("Deleted %s\n", fileID)
}

func cmdList(ctx context.Context, c *client.Client) {
	ids, err := c.ListFiles(ctx)
	if err != nil {
		fail(err)
	}
	if len(ids) == 0 {
		fmt.Println("No files stored.")
		return
	}
	for _, id := range ids {
		fmt.Println(id)
	}
}

func cmdStatus(ctx context.Context, c *client.Client) {
	status, err := c.ServerStatus(ctx)
	if err != nil {
		fail(err)
	}
	addrs := make([]string, 0, len(status))
	for addr := range status {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		state := "offline"
		if status[addr] {
			state = "online"
		}
		fmt.Printf("%-24s %s\n", addr, state)
	}
}
