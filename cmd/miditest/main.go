// Command miditest exercises the MIDI router against real hardware.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"go.uber.org/zap"

	"go-anywhere/bus"
	"go-anywhere/debug"
	"go-anywhere/message"
	"go-anywhere/midi"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}

	log, err := debug.New(debug.Options{Level: "info"})
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch os.Args[1] {
	case "list":
		err = listPorts(log)
	case "monitor":
		err = monitor(ctx, log, strings.Join(os.Args[2:], " "))
	case "watch":
		err = watch(ctx, log, os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("MIDI Test Scripts")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  list              - List MIDI input ports")
	fmt.Println("  monitor <port>    - Print routed notes and controller changes")
	fmt.Println("  watch [pattern..] - Print hot-plug events, auto-opening matches")
}

func listPorts(log *zap.Logger) error {
	fmt.Println("=== MIDI Input Ports ===")
	fmt.Println("(waiting up to 3 seconds...)")

	router := midi.NewRouter(midi.GomidiDriver{}, log)
	type result struct {
		names []string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		names, err := router.ListInputPorts()
		ch <- result{names, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		for i, name := range r.names {
			fmt.Printf("  %d: %s\n", i, name)
		}
	case <-time.After(3 * time.Second):
		fmt.Println("\nTIMEOUT! CoreMIDI is hung.")
		fmt.Println("Fix: sudo killall coreaudiod midiserver")
	}
	return nil
}

// monitor opens one port and prints what the router sends to each sink.
func monitor(ctx context.Context, log *zap.Logger, port string) error {
	if port == "" {
		return fmt.Errorf("monitor needs a port name (see list)")
	}
	router := midi.NewRouter(midi.GomidiDriver{}, log)
	defer router.Close()

	notes := bus.New[midi.Message]()
	ui := bus.New[message.Event]()
	if err := router.OpenInput(port, notes, ui); err != nil {
		return err
	}
	fmt.Printf("Monitoring %s. Ctrl+C to exit.\n", port)

	go drain(ctx, ui, func(ev message.Event) { fmt.Println("  ui   ", ev) })
	drain(ctx, notes, func(m midi.Message) { fmt.Println("  note ", m) })
	fmt.Printf("\n%d messages routed\n", router.Routed())
	return nil
}

func drain[T any](ctx context.Context, b *bus.Bus[T], fn func(T)) {
	for {
		v, err := b.Receive(ctx)
		if err != nil {
			return
		}
		fn(v)
	}
}

func watch(ctx context.Context, log *zap.Logger, patterns []string) error {
	fmt.Println("Polling for device changes every second...")
	fmt.Println("Connect/disconnect a controller to test. Ctrl+C to exit.")

	router := midi.NewRouter(midi.GomidiDriver{}, log)
	defer router.Close()
	notes := bus.New[midi.Message]()
	ui := bus.New[message.Event]()
	w := midi.NewWatcher(router, patterns, notes, ui, log)

	go func() {
		for ev := range w.Events() {
			state := "disconnected"
			if ev.Type == midi.PortConnected {
				state = "connected"
			}
			if ev.Opened {
				state += ", opened"
			}
			fmt.Printf("[%s] %s (%s)\n", time.Now().Format("15:04:05"), ev.Name, state)
		}
	}()
	go drain(ctx, notes, func(m midi.Message) { fmt.Println("  note ", m) })
	go drain(ctx, ui, func(ev message.Event) { fmt.Println("  ui   ", ev) })
	return w.Run(ctx)
}
