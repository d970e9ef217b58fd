package commands

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"meshcore/internal/node"
	"meshcore/internal/wire"
)

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	if logPath != "" {
		cfg.OutputPaths = []string{logPath}
	} else {
		cfg.OutputPaths = []string{"stderr"}
	}
	return cfg.Build()
}

func idCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print this node's id without joining the mesh",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := node.New(node.Options{
				Name:             displayName(),
				Port:             port,
				DataDir:          dataDir,
				DisableDiscovery: true,
				Logger:           zap.NewNop(),
			})
			if err != nil {
				return err
			}
			if err := n.Start(); err != nil {
				return err
			}
			defer n.Stop()
			id, err := n.NodeID()
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Join the mesh and chat from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			n, err := node.New(node.Options{
				Name:    displayName(),
				Port:    port,
				DataDir: dataDir,
				Logger:  log,
			})
			if err != nil {
				return err
			}
			if err := n.Start(); err != nil {
				return err
			}
			for _, addr := range peerAddr {
				if err := n.Connect(addr); err != nil {
					log.Warn("peer dial failed", zap.String("addr", addr), zap.Error(err))
				}
			}

			done := make(chan struct{})
			go printEvents(n, done)
			go repl(n)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			_ = n.Stop()
			<-done
			return nil
		},
	}
}

func displayName() string {
	if name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		return "meshnode"
	}
	return host
}

func printEvents(n *node.Node, done chan<- struct{}) {
	defer close(done)
	for ev := range n.Events() {
		switch ev.Kind {
		case node.KindStarted:
			fmt.Printf("* node %s up as %q\n", ev.Peer.Short(), ev.Name)
		case node.KindPeerConnected:
			fmt.Printf("* %s joined (%s)\n", ev.Name, ev.Peer.Short())
		case node.KindPeerDisconnected:
			fmt.Printf("* %s left (%s)\n", ev.Name, ev.Peer.Short())
		case node.KindMessageReceived:
			fmt.Printf("<%s> %s\n", ev.Name, ev.Text)
		case node.KindPublicBroadcastReceived:
			fmt.Printf("[broadcast] <%s> %s\n", ev.Name, ev.Text)
		case node.KindSOSReceived:
			fmt.Printf("!!! SOS from %s: %s (%.4f, %.4f)\n", ev.Name, ev.Text, ev.Lat, ev.Lon)
		case node.KindFileOffered:
			fmt.Printf("* %s offers %q (%d bytes) — /accept %x\n",
				ev.Name, ev.Filename, ev.Size, ev.FileID)
		case node.KindFileProgress:
			fmt.Printf("* transfer %x: %d%%\n", ev.FileID[:4], ev.Progress)
		case node.KindFileComplete:
			if ev.Path != "" {
				fmt.Printf("* transfer done: %s\n", ev.Path)
			} else {
				fmt.Printf("* transfer %x sent\n", ev.FileID[:4])
			}
		case node.KindVoiceReceived:
			fmt.Printf("* voice note from %s (%.1fs)\n", ev.Name, float64(ev.DurationMs)/1000)
		case node.KindCallIncoming:
			fmt.Printf("* incoming call from %s — /call %s to answer\n", ev.Name, ev.Peer.Hex())
		case node.KindCallEnded:
			fmt.Printf("* call ended\n")
		case node.KindProfileUpdated:
			fmt.Printf("* %s is now %q: %s\n", ev.Peer.Short(), ev.Name, ev.Bio)
		case node.KindGatewayFound:
			fmt.Printf("* gateway available via %s\n", ev.Name)
		case node.KindGatewayLost:
			fmt.Printf("* gateway lost (%s)\n", ev.Name)
		case node.KindNuked:
			fmt.Printf("* identity erased\n")
		case node.KindStopped:
			fmt.Printf("* node stopped\n")
		}
	}
}

func repl(n *node.Node) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := n.SendText(wire.NodeID{}, line); err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}
			continue
		}
		handleSlash(n, line)
	}
}

func handleSlash(n *node.Node, line string) {
	fields := strings.Fields(line)
	cmd, rest := fields[0], fields[1:]
	switch cmd {
	case "/dm":
		if len(rest) < 2 {
			fmt.Println("usage: /dm <node-id-hex> <text>")
			return
		}
		dest, err := wire.NodeIDFromHex(rest[0])
		if err != nil {
			fmt.Println("! bad node id")
			return
		}
		report(n.SendDirect(dest, strings.Join(rest[1:], " ")))
	case "/bcast":
		report(n.SendPublicBroadcast(strings.Join(rest, " ")))
	case "/sos":
		report(n.SendSOS(strings.Join(rest, " "), 0, 0))
	case "/file":
		if len(rest) < 2 {
			fmt.Println("usage: /file <node-id-hex> <path>")
			return
		}
		dest, err := wire.NodeIDFromHex(rest[0])
		if err != nil {
			fmt.Println("! bad node id")
			return
		}
		id, err := n.SendFile(dest, rest[1])
		if err == nil {
			fmt.Printf("* offered, transfer %x\n", id[:4])
		}
		report(err)
	case "/accept":
		if len(rest) < 1 {
			fmt.Println("usage: /accept <file-id-hex>")
			return
		}
		id, err := parseFileID(rest[0])
		if err != nil {
			fmt.Println("! bad file id")
			return
		}
		report(n.AcceptFile(id))
	case "/call":
		if len(rest) < 1 {
			fmt.Println("usage: /call <node-id-hex>")
			return
		}
		dest, err := wire.NodeIDFromHex(rest[0])
		if err != nil {
			fmt.Println("! bad node id")
			return
		}
		report(n.StartCall(dest))
	case "/hangup":
		report(n.EndCall())
	case "/profile":
		if len(rest) < 1 {
			fmt.Println("usage: /profile <name> [bio]")
			return
		}
		report(n.UpdateProfile(rest[0], strings.Join(rest[1:], " ")))
	case "/stats":
		s, err := n.Stats()
		if err == nil {
			fmt.Printf("* peers=%d established=%d dedup=%d delivered=%d forwarded=%d call=%s\n",
				s.Peers, s.Established, s.DedupEntries,
				s.Router.Delivered, s.Router.Forwarded, s.CallState)
		}
		report(err)
	case "/nuke":
		report(n.Nuke())
	default:
		fmt.Println("commands: /dm /bcast /sos /file /accept /call /hangup /profile /stats /nuke")
	}
}

func parseFileID(s string) (wire.MessageID, error) {
	var id wire.MessageID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("bad file id")
	}
	copy(id[:], b)
	return id, nil
}

func report(err error) {
	if err != nil {
		fmt.Printf("! %v\n", err)
	}
}
