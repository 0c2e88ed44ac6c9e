package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chaz8081/buzztag/internal/chat"
	"github.com/chaz8081/buzztag/internal/events"
	"github.com/chaz8081/buzztag/internal/models"
)

// errQuit ends the input loop.
var errQuit = errors.New("quit")

const helpText = `Commands:
  /peers               list nearby peers
  /select <n|id>       chat with a peer
  /connect [n|id]      connect to a peer (default: selected)
  /disconnect [n|id]   disconnect from a peer
  /buzz [n|id]         send an icebreaker question
  /history [n|id]      show the conversation
  /clear [n|id]        clear the conversation
  /remove <n|id>       forget a peer and its conversation
  /encrypt on|off      toggle message encryption
  /scan on|off         start or stop scanning
  /quit                exit
Anything else is sent to the selected peer.`

// handleLine runs one line of user input. Command failures are printed to
// w; only errQuit is returned.
func handleLine(ctx context.Context, svc *chat.Service, line string, w io.Writer) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		peerID, err := resolvePeer(svc, "")
		if err != nil {
			fmt.Fprintln(w, "!", err)
			return nil
		}
		if _, err := svc.SendMessage(ctx, peerID, line); err != nil {
			fmt.Fprintln(w, "!", err)
		}
		return nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprintln(w, helpText)
	case "/peers":
		printPeers(w, svc)
	case "/select":
		err = withPeer(svc, arg, true, func(id string) error {
			if err := svc.Select(id); err != nil {
				return err
			}
			fmt.Fprintf(w, "* chatting with %s\n", displayName(svc, id))
			return nil
		})
	case "/connect":
		err = withPeer(svc, arg, false, func(id string) error {
			_, err := svc.Connect(ctx, id)
			return err
		})
	case "/disconnect":
		err = withPeer(svc, arg, false, svc.Disconnect)
	case "/buzz":
		err = withPeer(svc, arg, false, func(id string) error {
			_, err := svc.SendIcebreaker(ctx, id)
			return err
		})
	case "/history":
		err = withPeer(svc, arg, false, func(id string) error {
			printHistory(w, svc, id)
			return nil
		})
	case "/clear":
		err = withPeer(svc, arg, false, func(id string) error {
			svc.ClearConversation(id)
			fmt.Fprintf(w, "* cleared chat with %s\n", displayName(svc, id))
			return nil
		})
	case "/remove":
		err = withPeer(svc, arg, true, svc.RemovePeer)
	case "/encrypt":
		switch arg {
		case "on", "off":
			svc.SetEncryption(arg == "on")
			fmt.Fprintf(w, "* encryption %s\n", arg)
		default:
			err = fmt.Errorf("usage: /encrypt on|off")
		}
	case "/scan":
		switch arg {
		case "on":
			err = svc.StartScan()
		case "off":
			err = svc.StopScan()
		default:
			err = fmt.Errorf("usage: /scan on|off")
		}
	default:
		err = fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	if err != nil {
		fmt.Fprintln(w, "!", err)
	}
	return nil
}

// withPeer resolves arg and runs fn on the peer id.
func withPeer(svc *chat.Service, arg string, required bool, fn func(id string) error) error {
	if required && arg == "" {
		return fmt.Errorf("a peer number or id is required")
	}
	id, err := resolvePeer(svc, arg)
	if err != nil {
		return err
	}
	return fn(id)
}

// resolvePeer maps a 1-based list position or a peer id to a peer id. An
// empty arg means the selected peer.
func resolvePeer(svc *chat.Service, arg string) (string, error) {
	if arg == "" {
		if id := svc.Selected(); id != "" {
			return id, nil
		}
		return "", fmt.Errorf("no peer selected (use /peers and /select)")
	}
	if n, err := strconv.Atoi(arg); err == nil {
		peers := svc.Peers()
		if n < 1 || n > len(peers) {
			return "", fmt.Errorf("no peer #%d", n)
		}
		return peers[n-1].ID, nil
	}
	if _, ok := svc.Peer(arg); ok {
		return arg, nil
	}
	return "", fmt.Errorf("%w: %s", chat.ErrUnknownPeer, arg)
}

func displayName(svc *chat.Service, id string) string {
	if p, ok := svc.Peer(id); ok && p.DisplayName != "" {
		return p.DisplayName
	}
	return id
}

func printPeers(w io.Writer, svc *chat.Service) {
	peers := svc.Peers()
	if len(peers) == 0 {
		fmt.Fprintln(w, "  no peers yet")
		return
	}
	selected := svc.Selected()
	for i, p := range peers {
		mark := " "
		if p.ID == selected {
			mark = ">"
		}
		verified := ""
		if p.Verified {
			verified = " ✓"
		}
		fmt.Fprintf(w, "%s %d. %s%s  [%s, %s]\n", mark, i+1, p.DisplayName, verified, p.Signal(), svc.Status(p.ID).State)
	}
}

func printHistory(w io.Writer, svc *chat.Service, id string) {
	msgs := svc.Conversation(id)
	if len(msgs) == 0 {
		fmt.Fprintln(w, "  no messages yet")
		return
	}
	name := displayName(svc, id)
	for _, m := range msgs {
		who := "you"
		if m.Direction == models.Inbound {
			who = name
		}
		fmt.Fprintf(w, "  [%s] %s: %s\n", m.Timestamp.Format("15:04"), who, m.Text)
	}
}

// printEvent renders one bus event for the terminal.
func printEvent(w io.Writer, svc *chat.Service, ev events.Event) {
	name := displayName(svc, ev.PeerID)
	switch ev.Kind {
	case events.PeerDiscovered:
		fmt.Fprintf(w, "+ found %s (%s)\n", ev.Peer.DisplayName, ev.Peer.Signal())
	case events.SessionStateChanged:
		switch ev.State {
		case models.StateActive:
			if ev.Verified {
				fmt.Fprintf(w, "* connected to %s\n", name)
			} else {
				fmt.Fprintf(w, "* connected to %s (not a verified BuzzTag device)\n", name)
			}
		case models.StateFailed:
			fmt.Fprintf(w, "! could not connect to %s: %s\n", name, ev.Reason)
		case models.StateIdle:
			if ev.Reason == "link lost" {
				fmt.Fprintf(w, "* lost connection to %s\n", name)
			}
		}
	case events.MessageReceived:
		fmt.Fprintf(w, "%s> %s\n", name, ev.Message.Text)
	case events.ProfileReceived:
		fmt.Fprintf(w, "* %s is %s %s\n", ev.PeerID, ev.Profile.Username, ev.Profile.Avatar)
	case events.PeerRemoved:
		fmt.Fprintf(w, "- removed %s\n", ev.PeerID)
	case events.Alert:
		fmt.Fprintf(w, "! %s\n", ev.Reason)
	}
}
