// Command blechat-sim is a manual test of the chat roles on the in-memory
// radio. Two simulated phones find each other, connect and trade messages;
// every step is logged.
//
// Usage:
//
//	go run ./cmd/blechat-sim [-payload 20] [-v]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chaz8081/blechat/internal/ble"
	"github.com/chaz8081/blechat/internal/ble/sim"
	"github.com/chaz8081/blechat/internal/chat"
)

func main() {
	payload := flag.Int("payload", 20, "maximum payload per write in bytes")
	verbose := flag.Bool("v", false, "log radio events")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	air := sim.NewAir(sim.DefaultConfig())
	x := newPhone(air, "phone-x", *payload)
	y := newPhone(air, "phone-y", *payload)
	defer x.stack.Release()
	defer y.stack.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := demo(ctx, x, y); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nDone!")
}

type phone struct {
	name  string
	radio *sim.Radio
	stack *ble.Stack
}

func newPhone(air *sim.Air, name string, payload int) *phone {
	radio := air.NewRadio(name)
	router := chat.NewRouter(chat.NewRegistry(chat.RetainHistory), radio.Address(), payload)
	stack := ble.NewStack(radio, radio, ble.AllPermissions(), router, ble.StackOptions{
		LocalName: name,
		Scan:      ble.ScanOptions{FilterService: true},
		Client:    ble.DefaultClientOptions(),
	})
	return &phone{name: name, radio: radio, stack: stack}
}

func demo(ctx context.Context, x, y *phone) error {
	fmt.Printf("%s serves, %s connects\n", x.name, y.name)
	if err := x.stack.Server.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	found, err := scanFor(ctx, y, x.radio.Address())
	if err != nil {
		return err
	}
	fmt.Printf("%s found %s (%s)\n", y.name, found.DisplayName(), found.Address)

	if err := y.stack.Client.Connect(ctx, found.Address); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	fmt.Printf("%s session: %s\n", y.name, y.stack.Client.State())

	if _, err := y.stack.Client.Send(ctx, x.radio.Address(), "hi"); err != nil {
		return fmt.Errorf("client send: %w", err)
	}
	if _, err := x.stack.Server.Send(ctx, y.radio.Address(), "hello"); err != nil {
		return fmt.Errorf("server send: %w", err)
	}

	_, err = y.stack.Client.Send(ctx, x.radio.Address(), "this line is far too long for one write")
	fmt.Printf("oversized message refused: %v\n", err)

	printLog(x, y.radio.Address())
	printLog(y, x.radio.Address())
	return nil
}

// scanFor scans on p until address shows up, then stops the scan.
func scanFor(ctx context.Context, p *phone, address string) (chat.Device, error) {
	updates, unsubscribe := p.stack.Registry().Subscribe()
	defer unsubscribe()

	if err := p.stack.Scanner.Start(ctx); err != nil {
		return chat.Device{}, fmt.Errorf("start scan: %w", err)
	}
	defer p.stack.Scanner.Stop()

	for {
		select {
		case <-ctx.Done():
			return chat.Device{}, fmt.Errorf("scan: %w", ctx.Err())
		case devices := <-updates:
			for _, d := range devices {
				if d.Address == address {
					return d, nil
				}
			}
		}
	}
}

func printLog(p *phone, peer string) {
	fmt.Printf("\n%s conversation with %s:\n", p.name, peer)
	for _, m := range p.stack.Router().MessagesFor(peer) {
		who := peer
		if m.IsFromLocalUser {
			who = "me"
		}
		fmt.Printf("  %-17s %s\n", who, m.Text)
	}
}
