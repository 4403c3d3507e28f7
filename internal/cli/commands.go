// Package cli implements the interactive operator console: read-only views
// of the node, its lobby state and the delivery journal.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/relaycore-project/relaycore/internal/core"
	"github.com/relaycore-project/relaycore/internal/db"
	"github.com/relaycore-project/relaycore/internal/lobby"
	"github.com/relaycore-project/relaycore/internal/reliable"
	"github.com/relaycore-project/relaycore/internal/util"
)

// NodeView is the part of a node the console reads.
type NodeView interface {
	Stats() core.NodeStats
	Directory() *lobby.Directory
	Games() *lobby.GameStore
	Ledger() *reliable.Ledger
}

// FailureSource lists journaled delivery failures.
type FailureSource interface {
	RecentFailures(ctx context.Context, limit int) ([]db.FailureRecord, error)
}

// errQuit ends the console loop.
var errQuit = errors.New("quit")

// CLI provides an interactive command-line interface.
type CLI struct {
	in       io.Reader
	out      io.Writer
	node     NodeView
	journal  FailureSource
	shutdown func()
}

// NewCLI creates a console reading commands from in and writing to out.
// journal may be nil. shutdown is called by the quit command.
func NewCLI(in io.Reader, out io.Writer, node NodeView, journal FailureSource, shutdown func()) *CLI {
	return &CLI{
		in:       in,
		out:      out,
		node:     node,
		journal:  journal,
		shutdown: shutdown,
	}
}

// Start runs the console until ctx is cancelled, the input ends or the
// operator quits.
func (c *CLI) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fmt.Fprintln(c.out, "\nrelaycore console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "relaycore> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:])
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// execute processes a single console command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "users":
		c.printUsers()
	case "games":
		c.printGames()
	case "game":
		return c.printGame(args)
	case "pending":
		c.printPending()
	case "failures":
		return c.printFailures(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down relaycore...")
		if c.shutdown != nil {
			c.shutdown()
		}
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  status             Show node counters and process usage
  users              List the username directory
  games              List game sessions
  game <id|name>     Show one game session
  pending            List reliable deliveries awaiting an ACK
  failures [n]       Show the newest abandoned deliveries
  quit               Shut down relaycore
  help               Show this help message`)
}

func (c *CLI) newTable(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() {
	stats := c.node.Stats()

	fmt.Fprintf(c.out, "\n  Role:         %s\n", stats.Role)
	fmt.Fprintf(c.out, "  Address:      %s\n", stats.Address)
	fmt.Fprintf(c.out, "  Uptime:       %s\n", time.Since(stats.StartedAt).Truncate(time.Second))
	fmt.Fprintf(c.out, "  Users:        %d\n", stats.Users)
	fmt.Fprintf(c.out, "  Games:        %d\n", stats.Games)
	fmt.Fprintf(c.out, "  Pending:      %d\n", stats.Pending)
	fmt.Fprintf(c.out, "  Datagrams:    %d received, %d sent, %d malformed, %d send failures\n",
		stats.Transport.Received, stats.Transport.Sent, stats.Transport.Malformed, stats.Transport.SendFails)
	fmt.Fprintf(c.out, "  Dispatch:     %d workers, %d queued, %d dropped, %d panics\n",
		stats.Pool.Workers, stats.Pool.Queued, stats.Pool.Dropped, stats.Pool.Panics)

	if usage, err := util.GetProcessUsage(); err == nil {
		fmt.Fprintf(c.out, "  Process:      %.1f%% CPU, %d MB RSS, %d goroutines\n",
			usage.CPUPercent, usage.RSSMB, usage.Goroutines)
	}
	fmt.Fprintln(c.out)
}

func (c *CLI) printUsers() {
	tw := c.newTable("Username", "Address", "Bound At")
	for _, e := range c.node.Directory().Entries() {
		tw.Append([]string{e.Username, e.Address.String(), e.BoundAt.Format(time.RFC3339)})
	}
	tw.Render()
}

func (c *CLI) printGames() {
	tw := c.newTable("ID", "Name", "Started", "Members", "Objects")
	for _, g := range c.node.Games().List() {
		tw.Append([]string{
			g.ID,
			g.Name,
			strconv.FormatBool(g.Started),
			strconv.Itoa(len(g.Members)),
			strconv.Itoa(len(g.Objects)),
		})
	}
	tw.Render()
}

func (c *CLI) printGame(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: game <id|name>")
	}
	game, err := c.node.Games().Resolve(strings.Join(args, " "))
	if err != nil {
		return err
	}
	g := game.Snapshot()

	fmt.Fprintf(c.out, "\n  Game ID:      %s\n", g.ID)
	fmt.Fprintf(c.out, "  Name:         %s\n", g.Name)
	fmt.Fprintf(c.out, "  Started:      %v\n", g.Started)
	fmt.Fprintf(c.out, "  Created:      %s\n", g.CreatedAt.Format(time.RFC3339))
	if len(g.Members) > 0 {
		fmt.Fprintln(c.out, "  Members:")
		for _, m := range g.Members {
			fmt.Fprintf(c.out, "    - %s\n", m)
		}
	}
	if len(g.Objects) > 0 {
		fmt.Fprintln(c.out, "  Objects:")
		for _, o := range g.Objects {
			fmt.Fprintf(c.out, "    - %s %s at (%g, %g) size %gx%g owner %s\n",
				o.Kind, o.Name, o.X, o.Y, o.W, o.H, o.Owner)
		}
	}
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) printPending() {
	tw := c.newTable("ID", "Destination", "Category", "Attempts", "Next Retry")
	for _, p := range c.node.Ledger().Pending() {
		tw.Append([]string{
			p.MessageID,
			p.Destination.String(),
			p.Category,
			strconv.Itoa(p.Attempts),
			p.NextRetry.Format("15:04:05.000"),
		})
	}
	tw.Render()
}

func (c *CLI) printFailures(ctx context.Context, args []string) error {
	if c.journal == nil {
		return fmt.Errorf("journal is disabled")
	}

	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	failures, err := c.journal.RecentFailures(ctx, limit)
	if err != nil {
		return err
	}

	tw := c.newTable("Recorded", "ID", "Destination", "Category", "Attempts", "Reason")
	for _, f := range failures {
		tw.Append([]string{
			f.RecordedAt.Format(time.RFC3339),
			f.MessageID,
			f.Destination,
			f.Category,
			strconv.Itoa(f.Attempts),
			f.Reason,
		})
	}
	tw.Render()
	return nil
}
