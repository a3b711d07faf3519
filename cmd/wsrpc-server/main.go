// Copyright (c) 2014 The cider AUTHORS
//
// This file is part of wsrpc.
//
// wsrpc is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Command wsrpc-server runs the demo "work" service and periodically pushes
// a "notify" call to every connected client, exercising both directions of
// the RPC runtime.
package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cihub/seelog"
	"github.com/gorilla/websocket"
	"github.com/tchap/gocli"

	"github.com/cider/wsrpc/demo"
	"github.com/cider/wsrpc/registry"
	"github.com/cider/wsrpc/rpcsvc"
	"github.com/cider/wsrpc/wsconn"
)

var ErrInvalidToken = errors.New("invalid access token")

var (
	listen    string
	token     string
	heartbeat time.Duration
)

var Command = &gocli.Command{
	UsageLine: "serve [-listen=ADDRESS] [-token=TOKEN] [-heartbeat=PERIOD]",
	Short:     "run the wsrpc demo server",
	Long: `
  Runs the demo "work" RPC service on ADDRESS and, if PERIOD is set, pushes a
  "notify" call to every connected client every PERIOD.`,
	Action: run,
}

func init() {
	Command.Flags.StringVar(&listen, "listen", "127.0.0.1:9000", "network address to listen on")
	Command.Flags.StringVar(&token, "token", "", "required X-Wsrpc-Token header value, empty disables the check")
	Command.Flags.DurationVar(&heartbeat, "heartbeat", 2*time.Second, "server push period, 0 disables it")
}

type serverHandler struct{}

// Work implements demo.ServerHandler with a string-shuffle, matching the
// original sample's ServerHandler.work.
func (serverHandler) Work(ctx context.Context, text string) (string, error) {
	seelog.Infof("got work: %s", text)
	ret := []rune(text)
	for i := range ret {
		ret[i] = []rune(text)[rand.Intn(len(text))]
	}
	return string(ret), nil
}

func run(cmd *gocli.Command, args []string) {
	if len(args) != 0 {
		cmd.Usage()
		os.Exit(2)
	}

	clients := registry.New(demo.NewNotifyStub)

	upgrader := &wsconn.Upgrader[*demo.NotifyStub]{
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		NewProcessor: func() rpcsvc.Processor {
			return demo.NewServerProcessor(serverHandler{})
		},
		Registry: clients,
	}
	if token != "" {
		upgrader.Handshake = func(r *http.Request) error {
			if r.Header.Get("X-Wsrpc-Token") != token {
				return ErrInvalidToken
			}
			return nil
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/", upgrader)
	server := &http.Server{Addr: listen, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			seelog.Criticalf("wsrpc-server: %v", err)
			os.Exit(1)
		}
	}()
	seelog.Infof("wsrpc-server listening on %v", listen)

	stopCh := make(chan struct{})
	if heartbeat > 0 {
		go pushNotifications(clients, heartbeat, stopCh)
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh

	close(stopCh)
	server.Close()
}

// pushNotifications walks the registry's current snapshot every period and
// initiates a server-side "notify" call against each connected client,
// mirroring the original demo server's main loop.
func pushNotifications(clients *registry.ClientRegistry[*demo.NotifyStub], period time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			for _, client := range clients.Snapshot() {
				ctx, cancel := context.WithTimeout(context.Background(), period)
				reply, err := client.Notify(ctx, "some update")
				cancel()
				if err != nil {
					seelog.Warnf("notify to %s failed: %v", client.Peer, err)
					continue
				}
				seelog.Infof("client %s responded %s", client.Peer, reply)
			}
		}
	}
}

func main() {
	seelog.ReplaceLogger(seelog.Default)
	defer seelog.Flush()

	app := gocli.NewApp("wsrpc-server")
	app.UsageLine = "wsrpc-server"
	app.Short = "demo server for the wsrpc runtime"
	app.MustRegisterSubcommand(Command)
	app.Run(os.Args[1:])
}
