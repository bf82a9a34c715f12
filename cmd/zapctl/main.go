package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gestorlite/zapbridge/internal/client"
	"github.com/gestorlite/zapbridge/internal/config"
	"github.com/gestorlite/zapbridge/internal/httpapi"
	"github.com/gestorlite/zapbridge/internal/session"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	addrFlag := flag.String("addr", "", "daemon address (overrides config)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.LoadOrDefault(session.ConfigPath())
	addr := cfg.Daemon.ListenAddr
	if *addrFlag != "" {
		addr = *addrFlag
	}
	c := client.New("http://"+addr, cfg, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "conversations":
		cmdConversations(ctx, c, *jsonFlag)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: zapctl messages <peer> [since-ms]")
			os.Exit(1)
		}
		since := int64(-1)
		if len(args) >= 3 {
			v, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: invalid since timestamp %q\n", args[2])
				os.Exit(1)
			}
			since = v
		}
		cmdMessages(ctx, c, args[1], since, *jsonFlag)
	case "read":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: zapctl read <peer>")
			os.Exit(1)
		}
		cmdRead(ctx, c, args[1])
	case "delete":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: zapctl delete <peer>")
			os.Exit(1)
		}
		cmdDelete(ctx, c, args[1])
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: zapctl send <peer> <text>")
			os.Exit(1)
		}
		cmdSend(ctx, c, args[1], strings.Join(args[2:], " "))
	case "auth":
		cmdAuth(c)
	case "watch":
		prefix := ""
		if len(args) >= 2 {
			prefix = args[1]
		}
		cmdWatch(c, prefix)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: zapctl [--session <name>] [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                     Show daemon health and session state")
	fmt.Fprintln(os.Stderr, "  conversations              List conversations")
	fmt.Fprintln(os.Stderr, "  messages <peer> [since]    List a conversation's messages")
	fmt.Fprintln(os.Stderr, "  read <peer>                Mark a conversation fully read")
	fmt.Fprintln(os.Stderr, "  delete <peer>              Delete a conversation")
	fmt.Fprintln(os.Stderr, "  send <peer> <text>         Queue an outgoing text message")
	fmt.Fprintln(os.Stderr, "  auth                       Run QR authentication")
	fmt.Fprintln(os.Stderr, "  watch [prefix]             Stream daemon events")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func cmdStatus(ctx context.Context, c *client.Client, jsonOut bool) {
	h, err := c.Health(ctx)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(h)
		return
	}
	fmt.Printf("State:         %s\n", h.WhatsApp.State)
	fmt.Printf("Authenticated: %v\n", h.WhatsApp.Authenticated)
	fmt.Printf("Connected:     %v\n", h.WhatsApp.Connected)
	fmt.Printf("Ready:         %v\n", h.WhatsApp.Ready)
}

func cmdConversations(ctx context.Context, c *client.Client, jsonOut bool) {
	convos, err := c.Conversations(ctx)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(convos)
		return
	}
	if len(convos) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, cv := range convos {
		name := cv.DisplayName
		if name == "" {
			name = cv.PeerID
		}
		unread := ""
		if cv.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", cv.UnreadCount)
		}
		at := time.UnixMilli(cv.LastActivityAt).Format("2006-01-02 15:04")
		fmt.Printf("%-30s %s  %s%s\n", name, cv.PeerID, at, unread)
	}
}

func cmdMessages(ctx context.Context, c *client.Client, peer string, since int64, jsonOut bool) {
	msgs, err := c.Messages(ctx, peer, since)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(msgs)
		return
	}
	for _, m := range msgs {
		dir := "<-"
		if m.FromMe {
			dir = "->"
		}
		at := time.UnixMilli(m.Timestamp).Format("15:04:05")
		body := m.Body
		if body == "" && m.HasMedia() {
			body = "[media: " + m.MediaMIME + "]"
		}
		fmt.Printf("%s %s %s\n", at, dir, body)
	}
}

func cmdRead(ctx context.Context, c *client.Client, peer string) {
	if err := c.MarkRead(ctx, peer); err != nil {
		fatal(err)
	}
	fmt.Printf("Marked %s as read.\n", peer)
}

func cmdDelete(ctx context.Context, c *client.Client, peer string) {
	if err := c.DeleteConversation(ctx, peer); err != nil {
		fatal(err)
	}
	fmt.Printf("Deleted %s.\n", peer)
}

func cmdSend(ctx context.Context, c *client.Client, peer, body string) {
	id, err := c.Send(ctx, peer, body)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Queued %s\n", id)
}

// cmdAuth starts the QR flow on the daemon and renders each code it
// publishes until the session authenticates or fails.
func cmdAuth(c *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, c.WebsocketURL("session."), nil)
	if err != nil {
		fatal(err)
	}
	defer conn.CloseNow()

	if err := c.StartQRAuth(ctx); err != nil {
		fatal(err)
	}

	for {
		var evt httpapi.WSEvent
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			fatal(err)
		}
		switch evt.Kind {
		case "session.qr":
			code, _ := evt.Payload.(string)
			fmt.Println("\nScan this QR code with WhatsApp:")
			fmt.Println(renderQR(code))
		case "session.authenticated":
			fmt.Println("Authenticated.")
			return
		case "session.auth_failed":
			fmt.Fprintf(os.Stderr, "authentication failed: %v\n", evt.Payload)
			os.Exit(1)
		}
	}
}

func cmdWatch(c *client.Client, prefix string) {
	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, c.WebsocketURL(prefix), nil)
	if err != nil {
		fatal(err)
	}
	defer conn.CloseNow()

	enc := json.NewEncoder(os.Stdout)
	for {
		var evt httpapi.WSEvent
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			fatal(err)
		}
		if err := enc.Encode(evt); err != nil {
			fatal(err)
		}
	}
}

// renderQR converts a string to a compact ASCII QR code using Unicode
// half-block characters. Two bitmap rows become one terminal line.
func renderQR(content string) string {
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return "  (QR generation failed: " + err.Error() + ")"
	}

	bitmap := qr.Bitmap()
	rows := len(bitmap)
	cols := 0
	if rows > 0 {
		cols = len(bitmap[0])
	}

	var sb strings.Builder
	for y := 0; y < rows; y += 2 {
		sb.WriteString("  ")
		for x := 0; x < cols; x++ {
			top := bitmap[y][x]
			bot := false
			if y+1 < rows {
				bot = bitmap[y+1][x]
			}
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String()
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
