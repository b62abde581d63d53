package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/chaz8081/blechat/internal/ble"
	"github.com/chaz8081/blechat/internal/ble/protocol"
	"github.com/chaz8081/blechat/internal/chat"
)

// errDone ends the errgroup when the user is finished.
var errDone = errors.New("done")

type sendFunc func(ctx context.Context, address, text string) (chat.Message, error)

// serverTarget picks the central a typed line goes to: the one that wrote
// last, or else the only one connected.
func serverTarget(stack *ble.Stack) func() (string, bool) {
	return func() (string, bool) {
		connected := stack.Registry().Connected()
		var (
			latest   string
			latestAt time.Time
		)
		for _, d := range connected {
			for _, m := range d.Messages {
				if !m.IsFromLocalUser && m.Timestamp.After(latestAt) {
					latest, latestAt = d.Address, m.Timestamp
				}
			}
		}
		if latest != "" {
			return latest, true
		}
		if len(connected) == 1 {
			return connected[0].Address, true
		}
		return "", false
	}
}

// chatLoop sends lines typed on stdin and prints incoming messages. A line
// of the form "@ADDRESS text" goes to ADDRESS. "/peers" lists known devices
// and "/quit" exits.
func chatLoop(ctx context.Context, stack *ble.Stack, target func() (string, bool), send sendFunc) error {
	incoming, unsubscribe := stack.Router().Subscribe(16)
	defer unsubscribe()

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-incoming:
			if msg.IsFromLocalUser {
				continue
			}
			name := msg.SenderAddress
			if d, ok := stack.Registry().Device(msg.PeerAddress); ok {
				name = d.DisplayName()
			}
			fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Format("15:04:05"), name, msg.Text)

		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return errDone
			}
			handleLine(ctx, stack, target, send, line)
		}
	}
}

func handleLine(ctx context.Context, stack *ble.Stack, target func() (string, bool), send sendFunc, line string) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return
	case line == "/peers":
		for _, d := range stack.Registry().Snapshot() {
			fmt.Printf("  %s  %-20s %s (%d messages)\n", d.Address, d.DisplayName(), d.State, len(d.Messages))
		}
		return
	}

	addr, text := "", line
	if strings.HasPrefix(line, "@") {
		to, rest, found := strings.Cut(line[1:], " ")
		if !found {
			log.Println("Usage: @ADDRESS message")
			return
		}
		addr, text = to, rest
	} else {
		var ok bool
		if addr, ok = target(); !ok {
			log.Println("No peer to send to; use @ADDRESS message")
			return
		}
	}

	if !protocol.Fits(text, stack.Router().MaxPayload()) {
		log.Printf("Message is %d bytes, one write holds %d; not sent", len(text), stack.Router().MaxPayload())
		return
	}
	if _, err := send(ctx, addr, text); err != nil {
		log.Printf("ERROR: message not sent: %v", err)
	}
}

// readLines forwards stdin lines until EOF. Reading stdin cannot be
// interrupted, so the goroutine is left behind on shutdown.
func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// writeTranscript appends every routed message to path.
func writeTranscript(ctx context.Context, path string, router *chat.Router) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()

	msgs, unsubscribe := router.Subscribe(64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			direction := "<"
			if msg.IsFromLocalUser {
				direction = ">"
			}
			if _, err := fmt.Fprintf(f, "%s\t%s\t%s\t%s\n",
				msg.Timestamp.Format(time.RFC3339), direction, msg.PeerAddress, msg.Text); err != nil {
				return fmt.Errorf("writing transcript: %w", err)
			}
		}
	}
}
