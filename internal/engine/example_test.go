package engine_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/bizdesk/bsync/internal/bus"
	"github.com/bizdesk/bsync/internal/clock"
	"github.com/bizdesk/bsync/internal/device"
	"github.com/bizdesk/bsync/internal/engine"
	"github.com/bizdesk/bsync/internal/remote/remotetest"
	"github.com/bizdesk/bsync/internal/replica"
)

// Example_twoDevices pushes from one device and pulls on another.
func Example_twoDevices() {
	dir, err := os.MkdirTemp("", "bsync-example-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	c := clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	shared := remotetest.NewMemory(c)
	quiet := log.New(io.Discard, "", 0)
	ctx := context.Background()

	open := func(id string) (*engine.Engine, *replica.DB, *bus.Bus) {
		db, err := replica.Open(filepath.Join(dir, id+".db"))
		if err != nil {
			log.Fatal(err)
		}
		b := bus.New(quiet)
		eng, err := engine.NewWithConfig(engine.Deps{
			Replica:  db,
			Store:    shared,
			Identity: device.Identity("dev-" + id),
			Bus:      b,
			Clock:    c,
		}, &engine.Config{Collections: []string{"customers", "quotations"}, Logger: quiet})
		if err != nil {
			log.Fatal(err)
		}
		if err := eng.SignIn(ctx, "user-1"); err != nil {
			log.Fatal(err)
		}
		return eng, db, b
	}

	desk, deskDB, _ := open("desk")
	defer deskDB.Close()
	tablet, tabletDB, tabletBus := open("tablet")
	defer tabletDB.Close()

	tabletBus.SubscribeKeys(func(e bus.Event) {
		fmt.Printf("reload %v from %s\n", e.Keys, e.DeviceID)
	}, "customers")

	_ = deskDB.Set(ctx, "customers", `[{"id":1,"name":"Ana"}]`)
	desk.MarkDirty("customers")
	fmt.Println("pushed:", desk.Push(ctx))

	fmt.Println("pulled:", tablet.Pull(ctx))
	v, _, _ := tabletDB.Get(ctx, "customers")
	fmt.Println(v)

	fmt.Println("pulled again:", tablet.Pull(ctx))

	// Output:
	// pushed: true
	// reload [customers] from dev-desk
	// pulled: true
	// [{"id":1,"name":"Ana"}]
	// pulled again: false
}
