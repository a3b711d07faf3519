// Copyright (c) 2014 The cider AUTHORS
//
// This file is part of wsrpc.
//
// wsrpc is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Command wsrpc-client connects to the demo server, calls its "work"
// method once, then stays connected so the server can push "notify" calls
// back, mirroring the original wsasync sample client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cihub/seelog"
	"github.com/tchap/gocli"

	"github.com/cider/wsrpc/demo"
	"github.com/cider/wsrpc/wsconn"
)

var server string

var Command = &gocli.Command{
	UsageLine: "connect [-server=URL]",
	Short:     "connect to the wsrpc demo server",
	Long: `
  Connects to URL, calls work once, then waits for notify pushes from the
  server until interrupted.`,
	Action: run,
}

func init() {
	Command.Flags.StringVar(&server, "server", "ws://127.0.0.1:9000", "wsrpc demo server URL")
}

type clientHandler struct{}

// Notify implements demo.ClientHandler, matching the original sample's
// ClientHandler.notify.
func (clientHandler) Notify(ctx context.Context, text string) (string, error) {
	fmt.Printf("server notified us with: %s\n", text)
	return "notified: " + text, nil
}

func run(cmd *gocli.Command, args []string) {
	if len(args) != 0 {
		cmd.Usage()
		os.Exit(2)
	}

	conn := wsconn.NewClientConn(server)
	processor := demo.NewClientProcessor(clientHandler{})

	ctx := context.Background()
	if err := conn.Open(ctx, processor); err != nil {
		seelog.Criticalf("connect failed: %v", err)
		os.Exit(1)
	}
	if err := conn.WaitForOpened(ctx); err != nil {
		seelog.Criticalf("open failed: %v", err)
		os.Exit(1)
	}

	work := demo.NewWorkStub(conn.Protocol())

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	reply, err := work.Work(callCtx, "some work")
	cancel()
	if err != nil {
		seelog.Warnf("work call failed: %v", err)
	} else {
		fmt.Printf("server responded %s\n", reply)
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signalCh:
	case <-conn.Done():
	}
	conn.Close()
}

func main() {
	seelog.ReplaceLogger(seelog.Default)
	defer seelog.Flush()

	app := gocli.NewApp("wsrpc-client")
	app.UsageLine = "wsrpc-client"
	app.Short = "demo client for the wsrpc runtime"
	app.MustRegisterSubcommand(Command)
	app.Run(os.Args[1:])
}
