// cloudletd is the Cloudlet daemon: it accepts one job per HTTP request,
// boots a dedicated MicroVM per the spec's one-VM-per-request model, and
// streams the guest's stdout/stderr/exit code back as newline-delimited
// JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/virt-do/project-2024/internal/config"
	"github.com/virt-do/project-2024/internal/orchestrator"
	"github.com/virt-do/project-2024/internal/schema"
	"github.com/virt-do/project-2024/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("cloudletd %s", version.Version())

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	orch := orchestrator.New(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", runHandler(orch))

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("cloudletd listening on %s (pid %d)", cfg.ListenAddr, os.Getpid())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
}

// runHandler decodes a JobDescriptor from the request body and streams
// back ExecutionFrames as newline-delimited JSON, flushing after every
// frame so the client sees output as it is produced rather than buffered
// until the VM terminates.
func runHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var job schema.JobDescriptor
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			http.Error(w, fmt.Sprintf("decoding request body: %v", err), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Transfer-Encoding", "chunked")

		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)

		frames, errCh := orch.Run(r.Context(), job)
		for frame := range frames {
			if err := enc.Encode(frame); err != nil {
				log.Printf("run: encoding frame: %v", err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}

		if err := <-errCh; err != nil {
			kind, _ := schema.KindOf(err)
			enc.Encode(schema.ExecutionFrame{
				Stderr:   []byte(fmt.Sprintf("%s: %v", kind, err)),
				ExitCode: -1,
				Final:    true,
			})
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
