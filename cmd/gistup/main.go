// Command gistup uploads a single file to a gistbin server from the
// terminal, printing transfer progress and the resulting attachment JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gistbin/gistbin/pkg/uploader"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "gistbin server base URL")
	token := flag.String("token", os.Getenv("GISTBIN_TOKEN"), "bearer token (defaults to GISTBIN_TOKEN)")
	maxBytes := flag.Int64("max-bytes", 104857600, "largest accepted file size")
	directThreshold := flag.Int64("direct-threshold", 8388608, "largest file sent with the direct strategy")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: gistup [flags] <file>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	path := flag.Arg(0)
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("cannot open %s: %v", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		log.Fatalf("cannot stat %s: %v", path, err)
	}

	orch := uploader.New(uploader.Config{
		ServerBase:      *server,
		AuthToken:       *token,
		MaxFileBytes:    *maxBytes,
		DirectThreshold: *directThreshold,
		OnProgress: func(pct int) {
			fmt.Fprintf(os.Stderr, "\r%3d%%", pct)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		orch.Cancel()
	}()

	fmt.Fprintf(os.Stderr, "uploading %s (%d bytes, %s strategy)\n",
		info.Name(), info.Size(), orch.PickStrategy(info.Size()))

	att, err := orch.Upload(ctx, uploader.File{
		Name:   filepath.Base(path),
		Size:   info.Size(),
		Reader: f,
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		log.Fatalf("upload failed: %v", err)
	}

	out, _ := json.MarshalIndent(att, "", "  ")
	fmt.Println(string(out))
}
