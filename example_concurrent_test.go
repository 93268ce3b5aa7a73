package jsrunner_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	jsrunner "github.com/boomhut/goja-netloop"
)

// SharedTally is Go state shared by several runners. Runners on different
// goroutines call into it concurrently, so it locks.
type SharedTally struct {
	mu      sync.Mutex
	replies []string
}

func (s *SharedTally) Record(reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, reply)
}

func (s *SharedTally) Sorted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.replies...)
	sort.Strings(out)
	return out
}

func ExampleNewWithGlobals_concurrentClients() {
	// a plain Go echo server for the scripts to talk to
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	tally := &SharedTally{}
	globals := map[string]interface{}{
		"tally": tally,
		"port":  ln.Addr().(*net.TCPAddr).Port,
	}

	const clientScript = `
		const net = require('net');
		(async () => {
			const sock = await net.connect('127.0.0.1', port);
			await sock.write('worker ' + worker);
			const reply = String.fromCharCode(...new Uint8Array(await sock.read(64)));
			await sock.close();
			tally.Record(reply);
		})();
	`

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// one runner per goroutine, sharing only the Go-side globals
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runner := jsrunner.NewWithGlobals(globals)
			defer runner.Close()
			runner.SetGlobal("worker", id)
			if err := runner.LoadScriptString(clientScript); err != nil {
				log.Fatal(err)
			}
			if err := runner.Run(ctx); err != nil {
				log.Fatal(err)
			}
		}(i)
	}
	wg.Wait()

	for _, reply := range tally.Sorted() {
		fmt.Println(reply)
	}

	// Output:
	// worker 1
	// worker 2
	// worker 3
}
