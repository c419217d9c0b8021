// Command bot drives a running server with random item edits through the debounced syncer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/client"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/engine"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/protocol"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name     = flag.String("name", "bot", "client name")
		items    = flag.Int("items", 2000, "items in the generated scheme")
		interval = flag.Duration("interval", 50*time.Millisecond, "delay between edits")
		seed     = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		every    = flag.Int("immediate-every", 100, "mark every Nth edit as immediate (0 disables)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("bot", *name)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dctx, dcancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.Dial(dctx, *url, client.Options{
		ClientName: *name,
		Logger:     logger,
		OnSaved: func(m protocol.SavedMsg) {
			logger.Info("SAVED", "ok", m.OK, "bytes", m.Bytes, "reason", m.Reason)
		},
	})
	dcancel()
	if err != nil {
		logger.Error("dial", "err", err)
		os.Exit(1)
	}
	defer c.Close()
	logger.Info("WELCOME", "session", c.Welcome().SessionID, "schema", c.Welcome().SchemaVersion)

	r := rand.New(rand.NewSource(*seed))
	b := newBuilder(r, *items)
	if err := c.InitWorkspace(ctx, b.snapshot()); err != nil {
		logger.Error("initWorkspace", "err", err)
		os.Exit(1)
	}

	syncer := client.NewSyncer(c, client.SyncerConfig{
		Logger: logger,
		OnResult: func(res engine.UpdateStateResult) {
			v := res.Validation
			logger.Info("validation",
				"duplicates", len(v.DuplicateGroups),
				"outOfBounds", len(v.LimitIssues.OutOfBoundsItemIDs),
				"oversized", len(v.LimitIssues.OversizedGroups))
		},
	})
	defer syncer.Close()

	t := time.NewTicker(*interval)
	defer t.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			logger.Warn("connection closed")
			return
		case <-t.C:
		}
		b.edit()
		p := b.payload()
		p.Immediate = *every > 0 && n%*every == 0
		syncer.Push(p)
	}
}

const schemeID = "bot-scheme"

type builder struct {
	r     *rand.Rand
	items []workspace.Item
}

func newBuilder(r *rand.Rand, n int) *builder {
	b := &builder{r: r, items: make([]workspace.Item, n)}
	for i := range b.items {
		b.items[i] = workspace.Item{
			ID:      fmt.Sprintf("item-%d", i),
			GameID:  int64(1000 + r.Intn(40)),
			X:       float64(r.Intn(2000)),
			Y:       float64(r.Intn(2000)),
			Z:       float64(r.Intn(300)),
			GroupID: r.Intn(80),
			Scale:   workspace.Scale{X: 1, Y: 1, Z: 1},
		}
	}
	return b
}

// edit moves one item; sometimes onto another item's position to create a duplicate.
func (b *builder) edit() {
	i := b.r.Intn(len(b.items))
	if b.r.Intn(20) == 0 {
		j := b.r.Intn(len(b.items))
		src := b.items[j]
		b.items[i].GameID = src.GameID
		b.items[i].X, b.items[i].Y, b.items[i].Z = src.X, src.Y, src.Z
		b.items[i].Rotation, b.items[i].Scale = src.Rotation, src.Scale
		return
	}
	b.items[i].X += float64(b.r.Intn(21) - 10)
	b.items[i].Y += float64(b.r.Intn(21) - 10)
	b.items[i].Rotation.Yaw = float64(b.r.Intn(360))
}

func (b *builder) snapshot() workspace.Snapshot {
	snap := workspace.NewSnapshot(time.Now())
	id := schemeID
	snap.Editor.Schemes = []workspace.HomeScheme{{
		ID:              schemeID,
		Name:            "Bot",
		Items:           append([]workspace.Item(nil), b.items...),
		SelectedItemIDs: []string{},
	}}
	snap.Editor.ActiveSchemeID = &id
	return snap
}

func (b *builder) payload() workspace.UpdatePayload {
	id := schemeID
	return workspace.UpdatePayload{
		Meta: workspace.SyncMeta{
			Schemes:        []workspace.SchemeMeta{{ID: schemeID, Name: "Bot"}},
			ActiveSchemeID: &id,
			Tabs:           []workspace.TabMeta{},
		},
		ActiveSchemeData: &workspace.SchemeContent{
			ID:              schemeID,
			Items:           append([]workspace.Item(nil), b.items...),
			SelectedItemIDs: []string{},
		},
	}
}
