package main

import (
	"bufio"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"codebank/config"
	"codebank/journal"
	"codebank/server"
)

func main() {
	cfg := config.Load()

	var jnl *journal.Journal
	if cfg.JournalPath != "" {
		var err error
		jnl, err = journal.New(cfg.JournalPath)
		if err != nil {
			log.Fatalf("Failed to open event journal: %v", err)
		}
		defer jnl.Close()
		log.Printf("Event journal at %s", cfg.JournalPath)
	}

	srvConfig := &server.ServerConfig{
		Port:         cfg.Port,
		Password:     cfg.Password,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}

	srv := server.New(srvConfig, jnl)

	// Start control socket for management commands
	go startControlSocket(srv, cfg.ControlSocket)

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		srv.Shutdown("server stopped")
		os.Remove(cfg.ControlSocket)
		os.Exit(0)
	}()

	log.Fatal(srv.Start())
}

func startControlSocket(srv *server.Server, path string) {
	// Remove existing socket file
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.Printf("Failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(path)

	log.Printf("Control socket listening on %s", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}

		go handleControlCommand(srv, conn, path)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn, path string) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	line = strings.TrimSpace(line)
	parts := strings.SplitN(line, "|", 2)

	switch parts[0] {
	case "stats":
		stats := srv.GetStats()
		conn.Write([]byte("OK|" + stats + "\n"))

	case "shutdown":
		reason := "maintenance"
		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}

		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		log.Printf("Shutdown requested: reason=%s", reason)
		srv.Shutdown(reason)

		os.Remove(path)
		os.Exit(0)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
