package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/dmsg-chat/dmsg/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
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

	c := newClient(session.SocketPath(sessionName))

	switch args[0] {
	case "status":
		cmdStatus(c, *jsonFlag)
	case "ls":
		cmdList(c, args[1:], *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: dmsgctl send <conversation-id> <text>")
			os.Exit(1)
		}
		cmdSend(c, args[1], args[2])
	case "allow":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: dmsgctl allow <address>")
			os.Exit(1)
		}
		cmdConsent(c, args[1], "allowed")
	case "deny":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: dmsgctl deny <address>")
			os.Exit(1)
		}
		cmdConsent(c, args[1], "denied")
	case "rep":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: dmsgctl rep <address>")
			os.Exit(1)
		}
		cmdReputation(c, args[1], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: dmsgctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                   Show session status")
	fmt.Fprintln(os.Stderr, "  ls [allowed|denied]      List conversations, optionally filtered by consent")
	fmt.Fprintln(os.Stderr, "  send <conv-id> <text>    Queue a text message")
	fmt.Fprintln(os.Stderr, "  allow <address>          Mark an address as allowed")
	fmt.Fprintln(os.Stderr, "  deny <address>           Mark an address as denied")
	fmt.Fprintln(os.Stderr, "  rep <address>            Show the reputation profile for an address")
}

// client speaks JSON-RPC to the daemon socket.
type client struct {
	httpc *http.Client
}

func newClient(socketPath string) *client {
	return &client{httpc: &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *client) call(method string, params any, result any) {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		fatal(err)
	}
	resp, err := c.httpc.Post("http://dmsg/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatal(err)
	}
	if out.Error != nil {
		fmt.Fprintf(os.Stderr, "error: %s (code %d)\n", out.Error.Message, out.Error.Code)
		os.Exit(1)
	}
	if result != nil {
		if err := json.Unmarshal(out.Result, result); err != nil {
			fatal(err)
		}
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func cmdStatus(c *client, jsonOut bool) {
	var res struct {
		Session   string `json:"session"`
		State     string `json:"state"`
		Address   string `json:"address"`
		InboxID   string `json:"inboxId"`
		LastError string `json:"lastError"`
	}
	c.call("session.status", nil, &res)
	if jsonOut {
		outputJSON(res)
		return
	}
	fmt.Printf("Session: %s\n", res.Session)
	fmt.Printf("State:   %s\n", res.State)
	if res.Address != "" {
		fmt.Printf("Address: %s\n", res.Address)
	}
	if res.InboxID != "" {
		fmt.Printf("Inbox:   %s\n", res.InboxID)
	}
	if res.LastError != "" {
		fmt.Printf("Error:   %s\n", res.LastError)
	}
}

type listedConversation struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	PeerAddress string `json:"peerAddress"`
	Consent     string `json:"consent"`
	Unread      int    `json:"unread"`
	LastMessage *struct {
		SenderID string `json:"senderId"`
		Body     string `json:"body"`
		SentAt   int64  `json:"sentAt"`
	} `json:"lastMessage"`
}

func cmdList(c *client, args []string, jsonOut bool) {
	consentFilter := ""
	if len(args) > 0 {
		consentFilter = args[0]
	}
	var res struct {
		Conversations []listedConversation `json:"conversations"`
		Source        string               `json:"source"`
		Error         string               `json:"error"`
	}
	c.call("conversation.list", map[string]string{"consent": consentFilter}, &res)
	if jsonOut {
		outputJSON(res)
		return
	}
	if res.Error != "" {
		fmt.Fprintf(os.Stderr, "warning: list incomplete: %s\n", res.Error)
	}
	if len(res.Conversations) == 0 {
		fmt.Println("no conversations")
		return
	}
	for _, conv := range res.Conversations {
		marker := " "
		if conv.Unread > 0 {
			marker = "*"
		}
		line := fmt.Sprintf("%s %-14s %-44s [%s]", marker, conv.Kind, conv.ID, conv.Consent)
		if conv.Unread > 0 {
			line += fmt.Sprintf(" (%d unread)", conv.Unread)
		}
		fmt.Println(line)
		if conv.LastMessage != nil {
			at := time.UnixMilli(conv.LastMessage.SentAt).Format("2006-01-02 15:04")
			fmt.Printf("    %s  %s: %s\n", at, conv.LastMessage.SenderID, conv.LastMessage.Body)
		}
	}
}

func cmdSend(c *client, conversationID, text string) {
	var res struct {
		ClientMsgID string `json:"clientMsgId"`
		Accepted    bool   `json:"accepted"`
	}
	c.call("message.send", map[string]string{"conversationId": conversationID, "body": text}, &res)
	fmt.Printf("queued %s\n", res.ClientMsgID)
}

func cmdConsent(c *client, address, state string) {
	var res struct {
		SubjectID string `json:"subjectId"`
		State     string `json:"state"`
	}
	c.call("consent.set", map[string]string{"subjectId": address, "state": state}, &res)
	fmt.Printf("%s is now %s\n", res.SubjectID, res.State)
}

func cmdReputation(c *client, address string, jsonOut bool) {
	var res struct {
		Profile *struct {
			Address     string  `json:"address"`
			Score       float64 `json:"score"`
			Tier        string  `json:"tier"`
			DisplayName string  `json:"displayName"`
		} `json:"profile"`
	}
	c.call("reputation.get", map[string]string{"address": address}, &res)
	if jsonOut {
		outputJSON(res)
		return
	}
	if res.Profile == nil {
		fmt.Println("no reputation data")
		return
	}
	name := res.Profile.DisplayName
	if name == "" {
		name = res.Profile.Address
	}
	fmt.Printf("%s  score %.0f (%s)\n", name, res.Profile.Score, res.Profile.Tier)
}
