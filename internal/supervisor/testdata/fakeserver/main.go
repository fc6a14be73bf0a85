// Command fakeserver stands in for llama-server and the sherpa websocket
// server in tests. It accepts both command lines.
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	var (
		host       = flag.String("host", "127.0.0.1", "")
		port       = flag.Int("port", 0, "")
		mode       = flag.String("mode", "", "http or ws")
		exitEarly  = flag.String("exit-early", "", "write to stderr and exit 1")
		readyDelay = flag.Duration("ready-delay", 0, "")
		ignoreTerm = flag.Bool("ignore-term", false, "")
		tokens     = flag.String("tokens", "", "")
	)
	// llama-server and sherpa flags the fake accepts and ignores
	for _, name := range []string{"model", "ctx-size", "threads", "n-gpu-layers", "encoder", "decoder", "joiner", "num-threads"} {
		flag.String(name, "", "")
	}
	flag.Parse()

	if *exitEarly != "" {
		fmt.Fprintln(os.Stderr, *exitEarly)
		os.Exit(1)
	}
	if *mode == "" {
		*mode = "http"
		if *tokens != "" {
			*mode = "ws"
		}
	}

	start := time.Now()
	var unhealthy atomic.Bool
	healthy := func() bool { return !unhealthy.Load() && time.Since(start) >= *readyDelay }

	mux := http.NewServeMux()
	mux.HandleFunc("/control/unhealthy", func(w http.ResponseWriter, r *http.Request) { unhealthy.Store(true) })
	mux.HandleFunc("/control/healthy", func(w http.ResponseWriter, r *http.Request) { unhealthy.Store(false) })
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !healthy() {
			http.Error(w, "loading", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/v1/chat/completions", chat)
	if *mode == "ws" {
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if !healthy() {
				http.Error(w, "loading", http.StatusServiceUnavailable)
				return
			}
			recognize(w, r)
		})
	}

	srv := &http.Server{Addr: net.JoinHostPort(*host, strconv.Itoa(*port)), Handler: mux}
	sigs := []os.Signal{os.Interrupt}
	if *ignoreTerm {
		signal.Ignore(syscall.SIGTERM)
	} else {
		sigs = append(sigs, syscall.SIGTERM)
	}
	ctx, stop := signal.NotifyContext(context.Background(), sigs...)
	defer stop()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func chat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	last := req.Messages[len(req.Messages)-1].Content
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "echo: " + last + "<|im_end|>"}}},
	})
}

// recognize answers each complete sample payload with the number of samples
// it carried.
func recognize(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	var buf []byte
	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if typ == websocket.TextMessage {
			if string(msg) == "Done" {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			continue
		}
		buf = append(buf, msg...)
		if len(buf) < 8 {
			continue
		}
		n := int(binary.LittleEndian.Uint32(buf[4:8]))
		if len(buf) < 8+n {
			continue
		}
		reply, _ := json.Marshal(map[string]string{"text": fmt.Sprintf("heard %d samples", n/4)})
		buf = buf[8+n:]
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			return
		}
	}
}
