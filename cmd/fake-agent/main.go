// ABOUTME: Minimal fake agent for E2E testing: connects over the agent websocket and echoes messages with markdown.
// ABOUTME: Usage: fake-agent [--gateway http://localhost:8080] (--credential vpa_... | --pair-token vpt_... --name NAME)
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/coder/websocket"
	flag "github.com/spf13/pflag"

	"github.com/vespid-ai/vespid-gateway/internal/protocol"
)

type options struct {
	gateway    string
	credential string
	pairToken  string
	name       string
	caps       []string
	binary     bool
}

func main() {
	var opts options
	flag.StringVar(&opts.gateway, "gateway", "http://localhost:8080", "gateway HTTP base URL")
	flag.StringVar(&opts.credential, "credential", os.Getenv("VESPID_AGENT_CREDENTIAL"), "agent credential (vpa_...)")
	flag.StringVar(&opts.pairToken, "pair-token", "", "pairing token to redeem when no credential is given")
	flag.StringVar(&opts.name, "name", "Echo Agent", "agent display name")
	flag.StringSliceVar(&opts.caps, "capability", []string{"agent.run"}, "execution kinds to advertise (repeatable)")
	flag.BoolVar(&opts.binary, "binary", false, "speak CBOR binary frames instead of JSON text")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, opts options) error {
	if opts.credential == "" {
		if opts.pairToken == "" {
			return errors.New("--credential or --pair-token is required")
		}
		cred, err := pair(ctx, opts)
		if err != nil {
			return err
		}
		opts.credential = cred
		fmt.Fprintf(os.Stderr, "paired; reuse with --credential %s\n", cred)
	}

	wsURL := "ws" + strings.TrimPrefix(strings.TrimSuffix(opts.gateway, "/"), "http") + "/ws/agent"
	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + opts.credential}},
	})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer ws.CloseNow()

	a := &fakeAgent{ws: ws, binary: opts.binary, caps: opts.caps}
	if err := a.send(ctx, &protocol.Hello{AgentVersion: "fake-agent", Name: opts.name, Capabilities: opts.caps}); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	f, err := a.read(ctx)
	if err != nil {
		return fmt.Errorf("failed to receive welcome: %w", err)
	}
	welcome, ok := f.(*protocol.Welcome)
	if !ok {
		return fmt.Errorf("expected welcome, got: %s", f.FrameType())
	}
	fmt.Fprintf(os.Stderr, "connected as %s\n", welcome.AgentID)

	for {
		f, err := a.read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("recv error: %w", err)
		}
		exec, ok := f.(*protocol.Execute)
		if !ok {
			continue
		}
		log.Printf("received %s [%s]: %s", exec.Kind, exec.RequestID, exec.Payload.Message)
		if err := a.handle(ctx, exec); err != nil {
			log.Printf("execute %s: %v", exec.RequestID, err)
		}
	}
}

// pair redeems the pairing token and returns the agent credential.
func pair(ctx context.Context, opts options) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"token":        opts.pairToken,
		"name":         opts.name,
		"capabilities": opts.caps,
		"version":      "fake-agent",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(opts.gateway, "/")+"/api/agents/pair", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("pairing: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Credential string `json:"credential"`
		Code       string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding pairing response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("pairing failed: %d %s", resp.StatusCode, out.Code)
	}
	return out.Credential, nil
}

type fakeAgent struct {
	ws     *websocket.Conn
	binary bool
	caps   []string
}

func (a *fakeAgent) send(ctx context.Context, f protocol.Frame) error {
	if a.binary {
		data, err := protocol.EncodeBinary(f)
		if err != nil {
			return err
		}
		return a.ws.Write(ctx, websocket.MessageBinary, data)
	}
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return a.ws.Write(ctx, websocket.MessageText, data)
}

func (a *fakeAgent) read(ctx context.Context) (protocol.Frame, error) {
	typ, data, err := a.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ == websocket.MessageBinary {
		return protocol.DecodeForAgentBinary(data)
	}
	return protocol.DecodeForAgent(data)
}

func (a *fakeAgent) handle(ctx context.Context, exec *protocol.Execute) error {
	if !slices.Contains(a.caps, exec.Kind) {
		return a.send(ctx, &protocol.ExecuteResult{
			RequestID: exec.RequestID,
			Status:    protocol.StatusFailed,
			Error:     &protocol.ResultError{Code: "KIND_NOT_SUPPORTED", Message: "fake agent cannot run " + exec.Kind},
		})
	}

	reply := echoReply(exec.Payload.Message)
	text, _ := json.Marshal(map[string]string{"text": reply})
	if err := a.send(ctx, &protocol.ExecuteEvent{
		RequestID: exec.RequestID,
		Event:     protocol.AgentEvent{TS: time.Now().UnixMilli(), Kind: "text", Payload: text},
	}); err != nil {
		return err
	}

	// Small delay to simulate streaming
	time.Sleep(50 * time.Millisecond)

	output, _ := json.Marshal(map[string]string{"text": reply})
	return a.send(ctx, &protocol.ExecuteResult{RequestID: exec.RequestID, Status: protocol.StatusSucceeded, Output: output})
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
