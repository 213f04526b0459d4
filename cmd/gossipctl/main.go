// Command gossipctl is a thin client for a running gossipd's local API
// listener: it speaks the GOSSIP_ANNOUNCE/GOSSIP_NOTIFY/GOSSIP_NOTIFICATION/
// GOSSIP_VALIDATION exchange (wire types 500-503) over a single TCP
// connection.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"

	"github.com/litnet/gossipmesh/pkg/wire"
	"golang.org/x/term"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 2 {
		usage()
		return 2
	}
	addr := args[0]
	switch args[1] {
	case "announce":
		if len(args) < 5 {
			usage()
			return 2
		}
		return cmdAnnounce(addr, args[2:])
	case "listen":
		if len(args) < 3 {
			usage()
			return 2
		}
		return cmdListen(addr, args[2:])
	default:
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  gossipctl <api_address> announce <ttl> <data_type> <payload>")
	fmt.Fprintln(os.Stderr, "  gossipctl <api_address> listen <data_type>")
}

func cmdAnnounce(addr string, args []string) int {
	var ttl, dataType int
	if _, err := fmt.Sscanf(args[0], "%d", &ttl); err != nil {
		fmt.Fprintf(os.Stderr, "gossipctl: bad ttl %q: %v\n", args[0], err)
		return 2
	}
	if _, err := fmt.Sscanf(args[1], "%d", &dataType); err != nil {
		fmt.Fprintf(os.Stderr, "gossipctl: bad data_type %q: %v\n", args[1], err)
		return 2
	}
	payload := []byte(args[2])

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gossipctl: dial %s: %v\n", addr, err)
		return 1
	}
	defer conn.Close()

	msg := &wire.GossipAnnounce{TTL: uint8(ttl), DataType: uint16(dataType), Payload: payload}
	if _, err := conn.Write(msg.Encode()); err != nil {
		fmt.Fprintf(os.Stderr, "gossipctl: send announce: %v\n", err)
		return 1
	}
	fmt.Printf("announced ttl=%d data_type=%d payload=%q\n", ttl, dataType, payload)
	return 0
}

// cmdListen subscribes to dataType and, for each GOSSIP_NOTIFICATION
// received, interactively prompts the operator to accept or reject it,
// replying with the matching GOSSIP_VALIDATION.
func cmdListen(addr string, args []string) int {
	var dataType int
	if _, err := fmt.Sscanf(args[0], "%d", &dataType); err != nil {
		fmt.Fprintf(os.Stderr, "gossipctl: bad data_type %q: %v\n", args[0], err)
		return 2
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gossipctl: dial %s: %v\n", addr, err)
		return 1
	}
	defer conn.Close()

	notify := &wire.GossipNotify{DataType: uint16(dataType)}
	if _, err := conn.Write(notify.Encode()); err != nil {
		fmt.Fprintf(os.Stderr, "gossipctl: send notify: %v\n", err)
		return 1
	}
	fmt.Printf("listening for data_type=%d (ctrl-c to stop)\n", dataType)

	for {
		buf, err := wire.ReadFrame(conn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gossipctl: connection closed: %v\n", err)
			return 1
		}
		msg, err := wire.Parse(buf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gossipctl: malformed frame: %v\n", err)
			continue
		}
		notification, ok := msg.(*wire.GossipNotification)
		if !ok {
			continue
		}

		fmt.Printf("\nreceived msg_id=%d data_type=%d payload=%q\n", notification.MsgID, notification.DataType, notification.Payload)
		valid, err := confirm("accept this message?")
		if err != nil {
			fmt.Fprintf(os.Stderr, "gossipctl: reading confirmation: %v\n", err)
			return 1
		}

		validation := &wire.GossipValidation{MsgID: notification.MsgID, Valid: valid}
		if _, err := conn.Write(validation.Encode()); err != nil {
			fmt.Fprintf(os.Stderr, "gossipctl: send validation: %v\n", err)
			return 1
		}
	}
}

// confirm prompts prompt followed by " [y/N] ". When stdin is a terminal it
// puts it into raw mode and accepts a single keypress with no Enter needed;
// otherwise it falls back to reading a line, so piped input still works.
func confirm(prompt string) (bool, error) {
	fmt.Printf("%s [y/N] ", prompt)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return false, err
		}
		return line == "y\n" || line == "Y\n" || line == "yes\n", nil
	}

	old, err := term.MakeRaw(fd)
	if err != nil {
		return false, fmt.Errorf("gossipctl: entering raw mode: %w", err)
	}
	defer term.Restore(fd, old)

	buf := make([]byte, 1)
	if _, err := os.Stdin.Read(buf); err != nil {
		return false, err
	}
	fmt.Println()
	return buf[0] == 'y' || buf[0] == 'Y', nil
}
