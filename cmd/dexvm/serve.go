package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chazu/dexvm/server"
	"github.com/chazu/dexvm/vm"
)

// ---------------------------------------------------------------------------
// dexvm serve
// ---------------------------------------------------------------------------

func serveCommand(args []string, stdout, stderr io.Writer) int {
	var c commonFlags
	fs := newFlagSet("serve", stderr, &c)
	addr := fs.String("addr", "", "Listen address (default: [server] addr from dexvm.toml)")
	workers := fs.Int("workers", 0, "Concurrent verifications (default: [server] workers from dexvm.toml)")
	status := 0
	if !parse(fs, args, &status) {
		return status
	}

	m, err := loadConfig(&c)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *addr == "" {
		*addr = m.Server.Addr
	}
	if *workers <= 0 {
		*workers = m.Server.Workers
	}

	v := vm.NewVM(vm.OptionsFromManifest(m))
	// Files named on the command line are loaded and verified up front.
	for _, path := range fs.Args() {
		f, err := loadDex(v, path)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if _, err := v.VerifyDexFile(context.Background(), f); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	srv := server.New(v, server.WithWorkers(*workers))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(shutdown)
	}()

	fmt.Fprintf(stdout, "dexvm verification server listening on %s\n", *addr)
	if err := srv.ListenAndServe(*addr); err != nil {
		fmt.Fprintf(stderr, "Server error: %v\n", err)
		return 1
	}
	return 0
}
