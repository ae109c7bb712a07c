package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"spodb.dev/internal/protocol"
	"spodb.dev/internal/sim/world"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:5000/v1/ws", "ws url")
		token    = flag.String("token", "", "bearer token (optional)")
		every    = flag.Int("every", 25, "print a summary every n render ticks")
		pingSecs = flag.Int("ping", 15, "ping interval in seconds (0 disables)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[observe] ", log.LstdFlags|log.Lmicroseconds)

	var header http.Header
	if strings.TrimSpace(*token) != "" {
		header = http.Header{"Authorization": []string{"Bearer " + strings.TrimSpace(*token)}}
	}
	conn, _, err := websocket.DefaultDialer.Dial(*url, header)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var (
		mu   sync.Mutex
		v    = newView()
		wmu  sync.Mutex
		done = make(chan struct{})
	)
	send := func(msg any) {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.WriteJSON(msg)
	}

	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				logger.Printf("read: %v", err)
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				continue
			}
			switch base.Type {
			case protocol.TypeState:
				var st protocol.StateMsg
				if err := json.Unmarshal(msg, &st); err != nil {
					continue
				}
				mu.Lock()
				resync := !v.apply(st.State) && v.needResync()
				mu.Unlock()
				if resync {
					logger.Printf("revision gap on %s (previous=%d); resyncing", st.State.Key, st.State.Previous)
					send(protocol.ResyncMsg{Type: protocol.TypeResync})
				}
			case protocol.TypeSnapshot:
				var sm protocol.SnapshotMsg
				if err := json.Unmarshal(msg, &sm); err != nil {
					continue
				}
				mu.Lock()
				switch sm.Phase {
				case protocol.SnapshotBegin:
					v.beginSnapshot()
				case protocol.SnapshotEnd:
					v.endSnapshot()
				}
				mu.Unlock()
			case protocol.TypePong:
				var p protocol.PongMsg
				if err := json.Unmarshal(msg, &p); err == nil {
					logger.Printf("pong lag=%dms", time.Now().UnixMilli()-p.Timestamp)
				}
			}
		}
	}()

	if *pingSecs > 0 {
		go func() {
			t := time.NewTicker(time.Duration(*pingSecs) * time.Second)
			defer t.Stop()
			for {
				select {
				case <-done:
					return
				case <-t.C:
					send(protocol.PingMsg{Type: protocol.TypePing})
				}
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	// Render on the same tick boundaries as the server.
	period := world.TickInterval.Milliseconds()
	frames := 0
	for {
		now := time.Now().UnixMilli()
		next := world.Quantize(now, period) + period
		select {
		case <-stop:
			return
		case <-done:
			return
		case <-time.After(time.Duration(next-now) * time.Millisecond):
		}
		frames++
		if *every <= 0 || frames%*every != 0 {
			continue
		}
		mu.Lock()
		counts := v.countByType()
		gaps, resyncs := v.gaps, v.resyncs
		mu.Unlock()
		var b strings.Builder
		for _, k := range sortedKeys(counts) {
			fmt.Fprintf(&b, " %s=%d", k, counts[k])
		}
		logger.Printf("tick=%d objects:%s gaps=%d resyncs=%d", next, b.String(), gaps, resyncs)
	}
}
