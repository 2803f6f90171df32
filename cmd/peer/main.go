// Command peer is an interactive rendezvous client.
//
// It registers with the rendezvous server under a username, punches towards
// whichever peer it gets paired with, and sends every line typed into the
// shell that is not a command as a chat datagram.
//
// Usage:
//
//	peer [flags] <username>
//
// Flags:
//
//	-server string      Rendezvous server host:port or ws:// URL (default "127.0.0.1:5555")
//	-udp string         Local UDP bind address (default ":0")
//	-probes int         Probes per punch burst (default 12)
//	-interval dur       Delay between probes (default 100ms)
//	-log-level string   trace, debug, info, warn or error (default "info")
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/abiosoft/ishell/v2"
	"github.com/sirupsen/logrus"

	"github.com/saintparish4/rendezvous/internal/signaling"
	"github.com/saintparish4/rendezvous/pkg/client"
	"github.com/saintparish4/rendezvous/pkg/holepunch"
)

func main() {
	defaults := client.DefaultConfig()
	if env := os.Getenv("RENDEZVOUS_SERVER"); env != "" {
		defaults.ServerAddr = env
	}

	server := flag.String("server", defaults.ServerAddr, "Rendezvous server host:port or ws:// URL (env RENDEZVOUS_SERVER)")
	udpAddr := flag.String("udp", defaults.LocalUDPAddr, "Local UDP bind address")
	probes := flag.Int("probes", defaults.Punch.Probes, "Probes per punch burst")
	interval := flag.Duration("interval", defaults.Punch.Interval, "Delay between probes")
	logLevel := flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() != 1 {
		printUsage()
		os.Exit(2)
	}
	username := flag.Arg(0)

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	logger.SetLevel(lvl)

	shell := ishell.New()

	cfg := defaults
	cfg.ServerAddr = *server
	cfg.Username = username
	cfg.LocalUDPAddr = *udpAddr
	cfg.Punch.Probes = *probes
	cfg.Punch.Interval = *interval
	cfg.Logger = logger
	cfg.OnNotice = func(n signaling.Notice) {
		switch n.Action {
		case signaling.ActionRegistered:
			shell.Printf("registered as %s\n", n.Username)
		case signaling.ActionPeer:
			shell.Printf("paired with %s at %s:%d\n", n.PeerUsername, n.PeerIP, n.PeerPort)
		case signaling.ActionError:
			shell.Printf("server error: %s\n", n.Error)
		}
	}
	cfg.OnDatagram = func(d holepunch.Datagram) {
		switch m := d.Message.(type) {
		case holepunch.Payload:
			shell.Printf("[%s] %s\n", m.From, m.Msg)
		default:
			shell.Printf("unknown datagram %q from %s\n", d.Message.Kind(), d.From)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := client.Dial(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() {
		err := session.Run(ctx)
		if err != nil {
			shell.Printf("session ended: %v\n", err)
		}
		shell.Close()
		done <- err
	}()

	shell.Printf("%s: udp port %d, server %s\n", username, session.LocalUDPPort(), cfg.ServerAddr)
	shell.Println("type 'connect <user>' to pair, then any line to chat; 'help' lists commands")

	addCommands(shell, session, logger)
	shell.Run()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

func addCommands(shell *ishell.Shell, session *client.Session, logger *logrus.Logger) {
	shell.AddCmd(&ishell.Cmd{
		Name: "connect",
		Help: "ask the server to pair with a user: connect <user>",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Println("usage: connect <user>")
				return
			}
			if err := session.Connect(c.Args[0]); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "send",
		Help: "send a chat message to the current peer",
		Func: func(c *ishell.Context) {
			sendLine(c, session, strings.Join(c.Args, " "))
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "peer",
		Help: "show the current peer and punch state",
		Func: func(c *ishell.Context) {
			p, ok := session.Peer()
			if !ok {
				c.Println("no peer yet")
				return
			}
			c.Printf("peer:      %s\n", p.PeerName)
			c.Printf("endpoint:  %s\n", p.Endpoint)
			c.Printf("state:     %s\n", session.State())
			c.Printf("probes:    %d\n", p.ProbesSent)
			c.Printf("confirmed: %v\n", p.Confirmed)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "trace",
		Help: "set log level to trace",
		Func: func(c *ishell.Context) {
			logger.SetLevel(logrus.TraceLevel)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "debug",
		Help: "set log level to debug",
		Func: func(c *ishell.Context) {
			logger.SetLevel(logrus.DebugLevel)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "info",
		Help: "set log level to info",
		Func: func(c *ishell.Context) {
			logger.SetLevel(logrus.InfoLevel)
		},
	})

	// Anything that is not a command is chat.
	shell.NotFound(func(c *ishell.Context) {
		sendLine(c, session, strings.Join(c.RawArgs, " "))
	})
}

func sendLine(c *ishell.Context, session *client.Session, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if _, err := session.Send(text); err != nil {
		if errors.Is(err, holepunch.ErrNoPeer) {
			c.Println("no peer yet, use 'connect <user>' first")
			return
		}
		c.Err(err)
	}
}

func printUsage() {
	fmt.Println("Usage: peer [flags] <username>")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Environment variables:")
	fmt.Printf(" RENDEZVOUS_SERVER   rendezvous server address (default: %s)\n", client.DefaultServerAddr)
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println("  peer alice")
	fmt.Println("  RENDEZVOUS_SERVER=203.0.113.5:5555 peer bob")
}
