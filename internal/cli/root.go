package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

// printlnFn is a test seam for user-facing output.
var printlnFn = fmt.Println

// execIface is the command surface the shell dispatches to. The real App
// satisfies it; tests use a lightweight stub.
type execIface interface {
	Scan(ctx context.Context, args []string)
	List(ctx context.Context)
	Search(ctx context.Context, args []string)
	Show(ctx context.Context, args []string)
	Delete(ctx context.Context, args []string)
	Classify(ctx context.Context, args []string)
	ScanStats(ctx context.Context)
	Prefs(ctx context.Context, args []string)
	Queue(ctx context.Context, args []string)
	Cache(ctx context.Context, args []string)
	Sync(ctx context.Context)
	Flush(ctx context.Context)
	Status(ctx context.Context)
	Update(ctx context.Context, args []string)
	Destroy(ctx context.Context)
}

const helpText = "Available commands: scan, (l)ist, search, show, delete, classify, " +
	"stats, prefs, queue, cache, sync, flush, status, update, destroy, exit"

// runREPL reads a line, parses the first token as the command, and
// dispatches to a. Unknown commands are reported back. The loop exits on
// scanner EOF or "exit"/"quit".
func runREPL(ctx context.Context, a execIface, statusFn func() string, scanner *bufio.Scanner) {
	for {
		fmt.Printf("qrk %s> ", statusFn())
		if !scanner.Scan() {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		switch cmd {
		case "help":
			printlnFn(helpText)
		case "scan":
			a.Scan(ctx, args)
		case "l", "list":
			a.List(ctx)
		case "search":
			a.Search(ctx, args)
		case "show":
			a.Show(ctx, args)
		case "delete":
			a.Delete(ctx, args)
		case "classify":
			a.Classify(ctx, args)
		case "stats":
			a.ScanStats(ctx)
		case "pref", "prefs":
			a.Prefs(ctx, args)
		case "queue":
			a.Queue(ctx, args)
		case "cache":
			a.Cache(ctx, args)
		case "sync":
			a.Sync(ctx)
		case "flush":
			a.Flush(ctx)
		case "status":
			a.Status(ctx)
		case "update":
			a.Update(ctx, args)
		case "destroy":
			a.Destroy(ctx)
		case "exit", "quit":
			printlnFn("Bye!")
			return
		default:
			printlnFn("Unknown command:", cmd)
		}
	}
}

func (a *App) getStatus() string {
	s := "offline"
	if a.store.Online() {
		s = "online"
	}
	if a.store.Degraded() {
		s = s + " degraded"
	}
	return fmt.Sprintf("(%s)", s)
}

func (a *App) Root(ctx context.Context) {
	printlnFn("Welcome to qrkeeper (type 'help' for commands)")
	runREPL(ctx, a, a.getStatus, bufio.NewScanner(os.Stdin))
}
