package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/supportchat/internal/api"
	"github.com/matheus3301/supportchat/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	encryptFlag := flag.Bool("encrypt", false, "encrypt the message (send only)")
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

	c := api.NewClient(session.SocketPath(sessionName))
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "messages":
		cmdMessages(ctx, c, *jsonFlag)
	case "send":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl [--encrypt] send <text>")
			os.Exit(1)
		}
		cmdSend(ctx, c, strings.Join(args[1:], " "), *encryptFlag, *jsonFlag)
	case "retry", "discard":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "usage: chatctl %s <message-id>\n", args[0])
			os.Exit(1)
		}
		cmdMessageOp(ctx, c, args[0], args[1])
	case "flush":
		if err := c.Flush(ctx); err != nil {
			fail(err)
		}
		fmt.Println("Flushed.")
	case "events":
		kind := ""
		if len(args) > 1 {
			kind = args[1]
		}
		cmdEvents(c, kind, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status             Show link and pipeline status")
	fmt.Fprintln(os.Stderr, "  messages           List visible messages")
	fmt.Fprintln(os.Stderr, "  send <text>        Send a message (--encrypt to encrypt)")
	fmt.Fprintln(os.Stderr, "  retry <id>         Retry a failed message")
	fmt.Fprintln(os.Stderr, "  discard <id>       Drop a failed message from the queue")
	fmt.Fprintln(os.Stderr, "  flush              Flush the offline queue now")
	fmt.Fprintln(os.Stderr, "  events [prefix]    Follow pipeline events (Ctrl-C to stop)")
}

func cmdStatus(ctx context.Context, c *api.Client, jsonOut bool) {
	resp, err := c.Status(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Session:      %s\n", resp.Session)
	fmt.Printf("Conversation: %s\n", resp.ConversationID)
	fmt.Printf("Transport:    %s (network online: %v, usable: %v)\n", resp.Transport, resp.NetworkOnline, resp.Usable)
	if resp.Encrypted {
		fmt.Printf("Encryption:   on (key v%d)\n", resp.KeyVersion)
	} else {
		fmt.Println("Encryption:   off")
	}
	if resp.RateLimited {
		fmt.Printf("Rate limited: %s remaining\n", time.Duration(resp.RetryAfterMs)*time.Millisecond)
	}
	fmt.Printf("Messages:     %d\n", resp.MessageCount)
	fmt.Printf("Uptime:       %dms\n", resp.UptimeMs)
}

func cmdMessages(ctx context.Context, c *api.Client, jsonOut bool) {
	msgs, err := c.Messages(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(msgs)
		return
	}
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, m := range msgs {
		lock := " "
		if m.Encrypted {
			lock = "*"
		}
		fmt.Printf("%s %s %-9s %-12s %s\n", m.Timestamp.Local().Format("15:04:05"), lock, m.Status, m.SenderName, m.Content)
	}
}

func cmdSend(ctx context.Context, c *api.Client, text string, encrypt, jsonOut bool) {
	msg, err := c.Send(ctx, text, encrypt)
	if err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			fmt.Fprintf(os.Stderr, "rate limited: try again in %s\n", apiErr.RetryAfter.Round(time.Second))
			os.Exit(2)
		}
		fail(err)
	}
	if jsonOut {
		outputJSON(msg)
		return
	}
	fmt.Printf("%s %s\n", msg.ID, msg.Status)
}

func cmdMessageOp(ctx context.Context, c *api.Client, op, id string) {
	var err error
	if op == "retry" {
		err = c.Retry(ctx, id)
	} else {
		err = c.Discard(ctx, id)
	}
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s: %s\n", op, id)
}

func cmdEvents(c *api.Client, kind string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := c.Events(ctx, kind, func(evt api.WireEvent) error {
		if jsonOut {
			data, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		payload, _ := json.Marshal(evt.Payload)
		fmt.Printf("%s %-26s %s\n", evt.Timestamp.Local().Format("15:04:05.000"), evt.Kind, payload)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
