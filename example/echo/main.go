// Copyright 2023 Kami
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command echo runs a TCP echo server on 127.0.0.1:9999 with a 3-loop
// pool, as a minimal usage example and a manual test fixture.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/govoltron/reactor"
)

func main() {
	srv, err := reactor.NewServer("127.0.0.1", 9999,
		reactor.WithThreadNum(3),
		reactor.WithReuseAddr(),
		reactor.WithConnUserCallback(func(conn *reactor.Connection) {
			conn.SetConnUserCallbacks(onMessage, onClose)
		}),
	)
	if err != nil {
		log.Fatalf("construct server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("start server: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		if err := srv.Shutdown(); err != nil {
			log.Printf("shutdown: %v", err)
		}
		os.Exit(0)
	}()

	srv.Run()
}

func onMessage(conn *reactor.Connection, data []byte) {
	conn.Send(data)
	conn.Consume(len(data))
}

func onClose(conn *reactor.Connection, errno int) {
	log.Printf("connection from %s closed, errno=%d", conn.RemoteAddr(), errno)
}
