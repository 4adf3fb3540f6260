// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main is a command line CoAP client.
//
//	coap-client [-m method] [-d payload] [-non] [-observe] host:port/path
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/absmach/mcoap"
	"github.com/absmach/mcoap/pkg/endpoint"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/transport/udp"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "MCOAP_CLIENT_"

var methods = map[string]message.Code{
	"GET":    message.GET,
	"POST":   message.POST,
	"PUT":    message.PUT,
	"DELETE": message.DELETE,
}

func main() {
	method := flag.String("m", "GET", "request method")
	payload := flag.String("d", "", "request payload")
	non := flag.Bool("non", false, "send a non-confirmable request")
	obs := flag.Bool("observe", false, "observe the resource until interrupted")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: coap-client [-m method] [-d payload] [-non] [-observe] host:port/path")
		os.Exit(2)
	}
	if err := run(*method, *payload, *non, *obs, flag.Arg(0)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(method, payload string, non, obs bool, target string) error {
	code, ok := methods[strings.ToUpper(method)]
	if !ok {
		return fmt.Errorf("unknown method %q", method)
	}
	hostport, path, _ := strings.Cut(strings.TrimPrefix(target, "coap://"), "/")
	remote, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return err
	}

	_ = godotenv.Load()
	cfg, err := mcoap.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		return err
	}
	cfg.Host, cfg.Port = "", "0"
	if cfg.LogLevel == "info" {
		cfg.LogLevel = "warn"
	}
	cfg.LogFormat = "text"
	logger := cfg.Logger(os.Stderr)

	tr := udp.New(cfg.Transport(logger, nil))
	ep, err := endpoint.New(tr, cfg.Endpoint(logger, nil))
	if err != nil {
		return err
	}
	defer ep.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tr.Listen(ctx, ep)
	})

	select {
	case <-tr.Ready():
	case <-ctx.Done():
		return g.Wait()
	}

	req := &message.Message{Type: message.Confirmable, Code: code}
	if non {
		req.Type = message.NonConfirmable
	}
	req.Options = req.Options.SetPath(path)
	if payload != "" {
		req.Payload = []byte(payload)
	}

	result := make(chan error, 1)
	cb := func(ev endpoint.Event) {
		switch ev.Kind {
		case endpoint.EventEmptyAck:
			logger.Info("request acknowledged, waiting for the response")
		case endpoint.EventResponse, endpoint.EventNotification:
			printMessage(ev.Message)
			if !obs {
				result <- nil
			}
		case endpoint.EventTerminated:
			printMessage(ev.Message)
			result <- nil
		case endpoint.EventFailure:
			result <- ev.Err
		}
	}

	if obs {
		_, err = ep.Observe(ctx, req, remote, cb)
	} else {
		_, err = ep.SendRequest(ctx, req, remote, cb)
	}
	if err != nil {
		cancel()
		g.Wait()
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err = <-result:
	case <-sig:
	}
	cancel()
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return err
}

func printMessage(m *message.Message) {
	if seq, ok := m.Options.Observe(); ok {
		fmt.Printf("%s [observe %d] %s\n", message.CodeString(m.Code), seq, m.Payload)
		return
	}
	fmt.Printf("%s %s\n", message.CodeString(m.Code), m.Payload)
}
