package cli

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"qrkeeper/internal/msgx"
	"qrkeeper/internal/repositories/queue"
	"qrkeeper/internal/repositories/scans"
)

// Scan records a decoded QR payload. Content comes from the command
// arguments, or from a prompt when absent.
func (a *App) Scan(ctx context.Context, args []string) {
	content := strings.Join(args, " ")
	if content == "" {
		var err error
		content, err = GetSimpleText(a.reader, "Enter scan content", log.Writer())
		if err != nil {
			log.Printf("error: %v", err)
			return
		}
	}
	if content == "" {
		fmt.Println("Nothing to record.")
		return
	}

	rec := &scans.ScanRecord{
		Content:      content,
		Type:         guessType(content),
		SafetyStatus: scans.StatusUnknown,
	}
	id, err := a.store.AddScan(ctx, rec)
	if err != nil {
		log.Printf("error: %v", err)
		return
	}
	fmt.Printf("Recorded %s (%s)\n", id, rec.Type)
}

func guessType(content string) string {
	switch {
	case strings.HasPrefix(content, "http://"), strings.HasPrefix(content, "https://"):
		return "url"
	case strings.HasPrefix(content, "WIFI:"):
		return "wifi"
	case strings.HasPrefix(content, "BEGIN:VCARD"):
		return "contact"
	default:
		return "text"
	}
}

func (a *App) List(ctx context.Context) {
	recs, err := a.store.ScanHistory(ctx)
	if err != nil {
		log.Printf("error: %v", err)
		return
	}
	printScans(recs)
}

func (a *App) Search(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: search <term>")
		return
	}
	recs, err := a.store.SearchScans(ctx, strings.Join(args, " "))
	if err != nil {
		log.Printf("error: %v", err)
		return
	}
	printScans(recs)
}

func (a *App) Show(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: show <id>")
		return
	}
	rec, err := a.store.GetScan(ctx, args[0])
	if err != nil {
		log.Printf("error: %v", err)
		return
	}
	if rec == nil {
		fmt.Println("Not found:", args[0])
		return
	}
	fmt.Printf("id:      %s\n", rec.ID)
	fmt.Printf("type:    %s\n", rec.Type)
	fmt.Printf("content: %s\n", rec.Content)
	fmt.Printf("safety:  %s %s\n", rec.SafetyStatus, rec.SafetyDetails)
	fmt.Printf("scanned: %s\n", time.UnixMilli(rec.Timestamp).Format(time.RFC3339))
	fmt.Printf("synced:  %v\n", rec.Synced)
}

func (a *App) Delete(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: delete <id>")
		return
	}
	if err := a.store.DeleteScan(ctx, args[0]); err != nil {
		log.Printf("error: %v", err)
	}
}

func (a *App) Classify(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: classify <id> <safe|warning|dangerous|unknown> [details]")
		return
	}
	details := strings.Join(args[2:], " ")
	if err := a.store.UpdateScanSafety(ctx, args[0], args[1], details); err != nil {
		log.Printf("error: %v", err)
	}
}

func (a *App) ScanStats(ctx context.Context) {
	stats, err := a.store.ScanStats(ctx)
	if err != nil {
		log.Printf("error: %v", err)
		return
	}
	fmt.Printf("Total scans: %d\n", stats.Total)
	for status, n := range stats.ByStatus {
		fmt.Printf("  %-10s %d\n", status, n)
	}
	for typ, n := range stats.ByType {
		fmt.Printf("  %-10s %d\n", typ, n)
	}
}

// Prefs lists, reads or writes preferences:
//
//	prefs
//	prefs get <key>
//	prefs set <key> <value>
func (a *App) Prefs(ctx context.Context, args []string) {
	switch {
	case len(args) == 0:
		all, err := a.store.Preferences(ctx)
		if err != nil {
			log.Printf("error: %v", err)
			return
		}
		for key, entry := range all {
			fmt.Printf("%s = %v\n", key, entry.Value)
		}
	case args[0] == "get" && len(args) == 2:
		v, err := a.store.GetPreference(ctx, args[1], nil)
		if err != nil {
			log.Printf("error: %v", err)
			return
		}
		fmt.Printf("%s = %v\n", args[1], v)
	case args[0] == "set" && len(args) >= 3:
		if err := a.store.SetPreference(ctx, args[1], strings.Join(args[2:], " ")); err != nil {
			log.Printf("error: %v", err)
		}
	default:
		fmt.Println("Usage: prefs | prefs get <key> | prefs set <key> <value>")
	}
}

// Queue inspects and manages the outbound request queue:
//
//	queue
//	queue add <method> <url> [body]
//	queue retry
//	queue clearfailed
//	queue clear
func (a *App) Queue(ctx context.Context, args []string) {
	switch {
	case len(args) == 0:
		stats, err := a.store.QueueStats(ctx)
		if err != nil {
			log.Printf("error: %v", err)
			return
		}
		fmt.Printf("Queued: %d (retryable %d, failed %d)\n", stats.Total, stats.Retryable, stats.Failed)
		if a.store.BufferedRequests() > 0 {
			fmt.Printf("Held in memory: %d\n", a.store.BufferedRequests())
		}
	case args[0] == "add" && len(args) >= 3:
		req := &queue.QueuedRequest{
			Method: strings.ToUpper(args[1]),
			URL:    args[2],
			Body:   strings.Join(args[3:], " "),
		}
		id, err := a.store.QueueRequest(ctx, req, true)
		if err != nil {
			log.Printf("error: %v", err)
			return
		}
		fmt.Printf("Queued %s\n", id)
	case args[0] == "retry":
		n, err := a.sync.RetryAllFailed(ctx)
		if err != nil {
			log.Printf("error: %v", err)
			return
		}
		fmt.Printf("Reset %d failed requests\n", n)
	case args[0] == "clearfailed":
		n, err := a.sync.ClearFailed(ctx)
		if err != nil {
			log.Printf("error: %v", err)
			return
		}
		fmt.Printf("Dropped %d failed requests\n", n)
	case args[0] == "clear":
		if err := a.sync.Clear(ctx); err != nil {
			log.Printf("error: %v", err)
		}
	default:
		fmt.Println("Usage: queue | queue add <method> <url> [body] | queue retry | queue clearfailed | queue clear")
	}
}

func (a *App) Sync(ctx context.Context) {
	if !a.store.TriggerSync(ctx) {
		fmt.Println("Sync not started: offline or already running.")
	}
}

// Flush moves requests held in memory during a storage outage back into
// the persistent queue.
func (a *App) Flush(ctx context.Context) {
	n, err := a.store.FlushBuffered(ctx)
	if err != nil {
		log.Printf("error: %v", err)
	}
	if n > 0 {
		fmt.Printf("Persisted %d buffered requests\n", n)
	}
}

func (a *App) Status(ctx context.Context) {
	fmt.Printf("Connectivity: %s\n", onlineWord(a.store.Online()))
	fmt.Printf("Storage:      %s\n", storageWord(a.store.Degraded()))
	fmt.Printf("Worker:       %s", a.lifecycle.State())
	if v := a.lifecycle.ActiveVersion(); v != "" {
		fmt.Printf(" (%s)", v)
	}
	fmt.Println()

	if stats, err := a.store.StorageStats(ctx); err == nil {
		for store, n := range stats.Counts {
			fmt.Printf("  %-14s %d\n", store, n)
		}
	}
	us := a.updates.Status()
	if us.UpdateAvailable {
		fmt.Printf("Update %s available (type 'update apply')\n", us.PendingVersion)
	}
}

func onlineWord(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

func storageWord(degraded bool) string {
	if degraded {
		return "degraded (in-memory)"
	}
	return "ok"
}

// Cache inspects or clears the worker's named caches:
//
//	cache
//	cache clear [name]
func (a *App) Cache(ctx context.Context, args []string) {
	if len(args) > 0 && args[0] == "clear" {
		req := &msgx.ClearCacheRequest{}
		if len(args) > 1 {
			req.CacheName = args[1]
		}
		raw, err := a.lifecycle.PostMessage(ctx, msgx.TypeClearCache, req, true)
		if err != nil {
			log.Printf("error: %v", err)
			return
		}
		var res msgx.ClearCacheResult
		if err := json.Unmarshal(raw, &res); err != nil {
			log.Printf("error: %v", err)
			return
		}
		fmt.Printf("Cleared %d caches\n", len(res.Cleared))
		return
	}

	raw, err := a.lifecycle.PostMessage(ctx, msgx.TypeGetCacheInfo, nil, true)
	if err != nil {
		log.Printf("error: %v", err)
		return
	}
	var res msgx.CacheInfoResult
	if err := json.Unmarshal(raw, &res); err != nil {
		log.Printf("error: %v", err)
		return
	}
	if len(res.Caches) == 0 {
		fmt.Println("No caches.")
		return
	}
	for _, c := range res.Caches {
		fmt.Printf("%-20s %5d entries  %8d bytes\n", c.Name, c.Entries, c.Bytes)
	}
}

// Update checks for or applies a worker update:
//
//	update
//	update apply
func (a *App) Update(ctx context.Context, args []string) {
	if len(args) > 0 && args[0] == "apply" {
		if err := a.updates.Apply(ctx); err != nil {
			log.Printf("error: %v", err)
			return
		}
		fmt.Printf("Now running %s\n", a.lifecycle.ActiveVersion())
		return
	}
	waiting, err := a.updates.Check(ctx)
	if err != nil {
		log.Printf("error: %v", err)
		return
	}
	if !waiting {
		fmt.Println("Worker is up to date.")
		return
	}
	fmt.Printf("Update %s available (type 'update apply')\n", a.updates.Status().PendingVersion)
}

// Destroy wipes all local data after confirmation.
func (a *App) Destroy(ctx context.Context) {
	answer, err := GetSimpleText(a.reader, "This erases all local data. Type 'yes' to continue", log.Writer())
	if err != nil || answer != "yes" {
		fmt.Println("Aborted.")
		return
	}
	if err := a.store.Destroy(); err != nil {
		log.Printf("error: %v", err)
		return
	}
	fmt.Println("Local data erased.")
}

func printScans(recs []scans.ScanRecord) {
	if len(recs) == 0 {
		fmt.Println("No scans.")
		return
	}
	for _, r := range recs {
		fmt.Printf("%s  %-7s %-9s %s\n", r.ID, r.Type, r.SafetyStatus, truncate(r.Content, 60))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
