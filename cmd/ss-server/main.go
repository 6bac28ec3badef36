package main

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"ss-relay/internal/application"
	"ss-relay/internal/config"
	"ss-relay/internal/infrastructure/cipher"
	"ss-relay/internal/infrastructure/epoll"
	"ss-relay/internal/infrastructure/resolver"
	"ss-relay/pkg/logger"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	name := filepath.Base(args[0])

	cfg, err := config.Parse(name, args[1:])
	if errors.Is(err, config.ErrHelp) {
		config.Usage(os.Stdout, name)
		return 0
	}
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Println(err)
		config.Usage(os.Stdout, name)
		return 1
	}

	log := logger.Setup(cfg.Verbose, cfg.Debug)

	listen, err := resolveListen(cfg.ListenAddr())
	if err != nil {
		log.Error("Failed to resolve listening address", "addr", cfg.ListenAddr(), "error", err)
		return 1
	}
	log.Info("server listening address", "addr", listen)

	crypto, err := cipher.New(cfg.Method, cfg.Password)
	if err != nil {
		log.Error("Failed to initialise crypto", "method", cfg.Method, "error", err)
		return 1
	}

	dns, err := resolver.New(cfg.Nameserver, cfg.DNSCacheTTL)
	if err != nil {
		log.Error("Failed to create resolver", "error", err)
		return 1
	}
	defer dns.Close()
	log.Info("Using nameserver", "addr", dns.Server())

	eventLoop, err := epoll.New(cfg.PollTimeout, log)
	if err != nil {
		log.Error("Failed to create event loop", "error", err)
		return 1
	}
	defer eventLoop.Close()

	relay, err := application.NewRelayService(eventLoop, log, crypto, dns, application.Options{
		Listen:      listen,
		Timeout:     cfg.Timeout,
		BufferSize:  cfg.BufferSize,
		MaxLinks:    cfg.MaxLinks,
		AcceptRate:  cfg.AcceptRate,
		AcceptBurst: cfg.AcceptBurst,
	})
	if err != nil {
		log.Error("Failed to create relay service", "error", err)
		return 1
	}
	defer relay.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Warn("Shutting down", "signal", s)
		eventLoop.Stop()
	}()

	if err := relay.Start(); err != nil {
		log.Error("Relay stopped unexpectedly", "error", err)
		return 1
	}
	return 0
}

func resolveListen(addr string) (netip.AddrPort, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap := tcpAddr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
