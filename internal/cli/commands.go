// Package cli implements the interactive operator console for a relay
// node: live session and player tables, cluster state, and shutdown.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/relaynode-project/relaynode/internal/cluster"
	"github.com/relaynode-project/relaynode/internal/config"
	"github.com/relaynode-project/relaynode/internal/events"
	"github.com/relaynode-project/relaynode/internal/session"
	"github.com/relaynode-project/relaynode/internal/transport"
)

// Disconnector closes a live session through the normal teardown path.
type Disconnector interface {
	HandleDisconnect(conn transport.Conn)
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg        *config.Config
	eventBus   *events.Bus
	registry   *session.Registry
	store      *session.Store
	relay      *cluster.Relay
	disconnect Disconnector
}

// NewCLI creates a new CLI handler. relay may be nil on a standalone node.
func NewCLI(cfg *config.Config, eventBus *events.Bus, registry *session.Registry, store *session.Store, relay *cluster.Relay, disconnect Disconnector) *CLI {
	return &CLI{
		cfg:        cfg,
		eventBus:   eventBus,
		registry:   registry,
		store:      store,
		relay:      relay,
		disconnect: disconnect,
	}
}

// Start begins the interactive CLI loop.
func (c *CLI) Start(ctx context.Context) {
	fmt.Println("\nrelaynode CLI ready. Type 'help' for available commands.")
	fmt.Println("─────────────────────────────────────────────────────")

	scanner := bufio.NewScanner(os.Stdin)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fmt.Print("relaynode> ")
		if !scanner.Scan() {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		if err := c.execute(ctx, cmd, args); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "players", "p":
		c.printPlayers()
	case "sessions":
		c.printSessions()
	case "cluster":
		c.printCluster()
	case "kick":
		return c.cmdKick(args)
	case "quit", "exit", "q":
		fmt.Println("Shutting down relaynode...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Println("\n╔══════════════════════════════════════════════════════╗")
	fmt.Println("║                relaynode CLI Commands                ║")
	fmt.Println("╠══════════════════════════════════════════════════════╣")
	fmt.Println("║  status         Show node summary                    ║")
	fmt.Println("║  players        List identified players              ║")
	fmt.Println("║  sessions       List all live connections            ║")
	fmt.Println("║  cluster        Show cluster state and peers         ║")
	fmt.Println("║  kick <id>      Disconnect a session by id           ║")
	fmt.Println("║  quit           Shutdown the node                    ║")
	fmt.Println("║  help           Show this help message               ║")
	fmt.Println("╚══════════════════════════════════════════════════════╝")
	fmt.Println()
}

// printStatus shows a one-screen node summary.
func (c *CLI) printStatus() {
	node := c.cfg.GetNodeData()

	fmt.Printf("\n  Node:          %s (index %d)\n", node.Name, node.NodeIndex)
	fmt.Printf("  Stream port:   %d\n", node.StreamPort)
	fmt.Printf("  Message port:  %d\n", node.MessagePort())
	fmt.Printf("  API port:      %d\n", node.APIPort)
	fmt.Printf("  Sessions:      %d\n", c.registry.Count())
	fmt.Printf("  Players:       %d\n", c.store.Count())
	if c.relay != nil {
		fmt.Printf("  Cluster:       %s\n", c.relay.State())
	} else {
		fmt.Printf("  Cluster:       standalone\n")
	}
	fmt.Println()
}

// printPlayers displays the player state store in a formatted table.
func (c *CLI) printPlayers() {
	players := c.store.All()
	sort.Slice(players, func(i, j int) bool { return players[i].Identity < players[j].Identity })

	fmt.Println()

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Identity", "Name", "Room", "X", "Y", "Facing"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, p := range players {
		tw.Append([]string{
			p.Identity,
			p.Name,
			p.Room,
			fmt.Sprintf("%d", p.Position.X),
			fmt.Sprintf("%d", p.Position.Y),
			fmt.Sprintf("%d", p.Position.Facing),
		})
	}

	tw.Render()
	fmt.Println()
}

// printSessions displays every live connection, nodes included.
func (c *CLI) printSessions() {
	sessions := c.registry.All()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })

	fmt.Println()

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"ID", "Identity", "Kind", "Remote", "Uptime", "Node"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, s := range sessions {
		identity := s.Identity
		if identity == "" {
			identity = "-"
		}
		tw.Append([]string{
			fmt.Sprintf("%d", s.ID),
			identity,
			s.Conn.Kind().String(),
			s.Conn.RemoteAddr(),
			time.Since(s.ConnectedAt).Round(time.Second).String(),
			fmt.Sprintf("%v", s.IsNode),
		})
	}

	tw.Render()
	fmt.Println()
}

// printCluster shows the relay state and the cached membership view.
func (c *CLI) printCluster() {
	if c.relay == nil {
		fmt.Println("\n  Cluster: standalone (no parent configured)")
		fmt.Println()
		return
	}

	fmt.Printf("\n  State:   %s\n", c.relay.State())
	fmt.Printf("  Unified: %v\n", c.relay.Unified())

	view := c.relay.View()
	children := c.relay.Children()
	if len(view) == 0 && len(children) == 0 {
		fmt.Println("  Peers:   none")
		fmt.Println()
		return
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Node", "Address", "Players", "Role"})
	tw.SetBorder(true)

	for id, info := range view {
		tw.Append([]string{id, info.Address, fmt.Sprintf("%d", info.PlayerCount), "peer"})
	}
	for id, info := range children {
		tw.Append([]string{fmt.Sprintf("%d", id), info.Address, fmt.Sprintf("%d", info.PlayerCount), "child"})
	}

	tw.Render()
	fmt.Println()
}

// cmdKick disconnects a session through the normal teardown path, so
// peers receive the usual leave notice.
func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <session_id>")
	}

	id, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid session id: %s", args[0])
	}

	for _, s := range c.registry.All() {
		if s.ID == uint16(id) {
			c.disconnect.HandleDisconnect(s.Conn)
			fmt.Printf("Session %d disconnected\n", id)
			return nil
		}
	}
	return fmt.Errorf("session %d not found", id)
}
