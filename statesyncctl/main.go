package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/wavecell/statesync/statesync"
)

const DefaultStateUrl = "ws://localhost:8100/state"

const Version = "0.1.0"

func main() {
	usage := fmt.Sprintf(
		`State sync client tool.

The default state url is:
    %s

Usage:
    statesyncctl watch [--url=<url>] [--auth]
    statesyncctl set --path=<path> --value=<value> [--url=<url>] [--auth]

Options:
    -h --help          Show this screen.
    --version          Show version.
    --url=<url>        State stream websocket url.
    --path=<path>      Slash separated path from the root block to a cell.
    --value=<value>    New value, as json.
    --auth             Prompt for a session token.`,
		DefaultStateUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}
	// glog reads its settings from flags; none are passed through docopt
	flag.CommandLine.Parse([]string{})

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if set_, _ := opts.Bool("set"); set_ {
		set(opts)
	}
}

func stateUrlFunc(opts docopt.Opts) statesync.UrlFunction {
	stateUrl := DefaultStateUrl
	if urlAny := opts["--url"]; urlAny != nil {
		stateUrl = urlAny.(string)
	}

	auth := &statesync.ClientAuth{
		InstanceId: statesync.NewId(),
	}
	if auth_, _ := opts.Bool("--auth"); auth_ {
		fmt.Print("Session token: ")
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			panic(err)
		}
		auth.Token = strings.TrimSpace(string(tokenBytes))
		if sessionId, err := auth.SessionId(); err == nil {
			fmt.Printf("session %s\n", sessionId)
		}
	}

	return func() (string, error) {
		parsed, err := url.Parse(stateUrl)
		if err != nil {
			return "", err
		}
		if auth.Token != "" {
			query := parsed.Query()
			query.Set("token", auth.Token)
			parsed.RawQuery = query.Encode()
		}
		return parsed.String(), nil
	}
}

func watch(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connection := statesync.NewConnectionWithDefaults(cancelCtx, stateUrlFunc(opts))
	defer connection.Close()

	subscription := connection.AddStateCallback(func(state statesync.ConnectionState, session *statesync.Session) {
		fmt.Printf("# %s\n", state)
		if session != nil {
			watchSession(os.Stdout, session)
		}
	})
	defer subscription.Unsubscribe()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}

func watchSession(out io.Writer, session *statesync.Session) {
	session.RootCell().Subscribe(func(value any) {
		if root, ok := value.(*statesync.Block); ok {
			watchBlock(out, "", root)
		}
	})
}

// watchBlock walks the block's children and walks again on every
// reshape, so children the server registers later are watched too.
func watchBlock(out io.Writer, prefix string, block *statesync.Block) {
	seen := map[any]bool{}
	walk := func() {
		for _, key := range block.Keys() {
			child, ok := block.Child(key)
			if !ok || seen[child] {
				continue
			}
			seen[child] = true
			path := prefix + "/" + key
			switch node := child.(type) {
			case *statesync.Block:
				watchBlock(out, path, node)
			case *statesync.BulkCell:
				node.Subscribe(func(value any) {
					bulk := value.(statesync.BulkValue)
					fmt.Fprintf(out, "%s: %d samples @ %v\n", path, len(bulk.Samples), bulk.Metadata.Rate)
				})
			case *statesync.ReferenceCell:
				node.Subscribe(func(value any) {
					if target, ok := value.(*statesync.Block); ok {
						watchBlock(out, path, target)
					}
				})
			case statesync.Cell:
				fmt.Fprintf(out, "%s = %v\n", path, node.Get())
				node.Subscribe(func(value any) {
					fmt.Fprintf(out, "%s = %v\n", path, value)
				})
			}
		}
	}
	block.SubscribeReshape(func() {
		fmt.Fprintf(out, "# reshape %s\n", prefix)
		walk()
	})
	walk()
}

func set(opts docopt.Opts) {
	path, _ := opts.String("--path")
	valueStr, _ := opts.String("--value")

	var value any
	if err := json.Unmarshal([]byte(valueStr), &value); err != nil {
		fmt.Fprintf(os.Stderr, "value is not json: %s\n", err)
		os.Exit(1)
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	connection := statesync.NewConnectionWithDefaults(cancelCtx, stateUrlFunc(opts))
	defer connection.Close()

	session, err := connection.WaitForSession(cancelCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %s\n", err)
		os.Exit(1)
	}

	cell, err := resolveCell(cancelCtx, session, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	writable, ok := cell.(*statesync.WritableCell)
	if !ok {
		fmt.Fprintf(os.Stderr, "%s is not writable\n", path)
		os.Exit(1)
	}
	if err := writable.Set(value); err != nil {
		fmt.Fprintf(os.Stderr, "set: %s\n", err)
		os.Exit(1)
	}

	// wait for the server to acknowledge before exiting
	for writable.PendingWrites() != 0 {
		select {
		case <-cancelCtx.Done():
			fmt.Fprintf(os.Stderr, "timed out waiting for acknowledgment\n")
			os.Exit(1)
		case <-time.After(20 * time.Millisecond):
		}
	}
	fmt.Printf("%s = %v\n", path, writable.Get())
}

// resolveCell walks a slash separated path from the root block, waiting
// for the graph to fill in as the server pushes it.
func resolveCell(ctx context.Context, session *statesync.Session, path string) (statesync.Cell, error) {
	keys := strings.Split(strings.Trim(path, "/"), "/")

	for {
		node, ok := lookupPath(session, keys)
		if ok {
			cell, isCell := node.(statesync.Cell)
			if !isCell {
				return nil, fmt.Errorf("%s is a block, not a cell", path)
			}
			return cell, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s not found", path)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func lookupPath(session *statesync.Session, keys []string) (any, bool) {
	root := session.Root()
	if root == nil {
		return nil, false
	}
	var node any = root
	for _, key := range keys {
		block, ok := node.(*statesync.Block)
		if !ok {
			if reference, isReference := node.(*statesync.ReferenceCell); isReference {
				block, ok = reference.Get().(*statesync.Block)
			}
			if !ok {
				return nil, false
			}
		}
		child, ok := block.Child(key)
		if !ok {
			return nil, false
		}
		node = child
	}
	return node, true
}
