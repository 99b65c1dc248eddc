package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/parallel"
	"github.com/outofforest/parley"
)

// Prompt is printed when the console starts.
const Prompt = "Enter command (connect <ip:port>, send <message>, peers, quit):"

var errQuit = errors.New("quit")

// Node is the node driven by the console.
type Node interface {
	Dial(ctx context.Context, addr string) error
	Send(text []byte) ([]parley.SendResult, error)
	Peers() []string
}

// Console executes commands typed by the user and prints received messages.
type Console struct {
	node Node
	in   io.Reader

	mu  sync.Mutex
	out io.Writer
}

// New creates console.
func New(node Node, in io.Reader, out io.Writer) *Console {
	return &Console{
		node: node,
		in:   in,
		out:  out,
	}
}

// Run executes commands until quit is entered, input ends or ctx is canceled.
// If the input is an io.Closer, it is closed when Run finishes so the pending read returns.
func (c *Console) Run(ctx context.Context) error {
	c.println(Prompt)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		lines := make(chan string)

		spawn("reader", parallel.Continue, func(ctx context.Context) error {
			defer close(lines)

			scanner := bufio.NewScanner(c.in)
			for scanner.Scan() {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case lines <- scanner.Text():
				}
			}
			if ctx.Err() != nil {
				return errors.WithStack(ctx.Err())
			}
			return errors.WithStack(scanner.Err())
		})
		spawn("executor", parallel.Exit, func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if err := c.Execute(ctx, line); err != nil {
						if errors.Is(err, errQuit) {
							return nil
						}
						return err
					}
				}
			}
		})
		if closer, ok := c.in.(io.Closer); ok {
			spawn("closer", parallel.Fail, func(ctx context.Context) error {
				<-ctx.Done()
				_ = closer.Close()
				return errors.WithStack(ctx.Err())
			})
		}

		return nil
	})
}

// Execute executes single command.
func (c *Console) Execute(ctx context.Context, line string) error {
	cmd, args, _ := strings.Cut(strings.TrimSpace(line), " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "":
	case "connect":
		if args == "" {
			c.println("Usage: connect <ip:port>")
			return nil
		}
		if err := c.node.Dial(ctx, args); err != nil {
			if ctx.Err() != nil {
				return errors.WithStack(ctx.Err())
			}
			c.printf("Connecting to %s failed: %s\n", args, err)
			return nil
		}
		c.printf("Connected to %s\n", args)
	case "send":
		if args == "" {
			c.println("Usage: send <message>")
			return nil
		}
		results, err := c.node.Send([]byte(args))
		if err != nil {
			c.printf("Sending failed: %s\n", err)
			return nil
		}
		if len(results) == 0 {
			c.println("No connected peers")
		}
		for _, r := range results {
			if r.Err != nil {
				c.printf("Sending to %s failed: %s\n", r.Address, r.Err)
			}
		}
	case "peers":
		peers := c.node.Peers()
		if len(peers) == 0 {
			c.println("No connected peers")
		}
		for _, p := range peers {
			c.println(p)
		}
	case "quit":
		return errQuit
	default:
		c.println("Unknown command")
	}
	return nil
}

// Display prints received messages until the channel is closed.
func (c *Console) Display(ctx context.Context, recvCh <-chan parley.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case d, ok := <-recvCh:
			if !ok {
				return nil
			}
			c.printf("%s@%s: %s\n", d.Name, d.Address, d.Text)
		}
	}
}

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, _ = fmt.Fprintln(c.out, s)
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, _ = fmt.Fprintf(c.out, format, args...)
}
