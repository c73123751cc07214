package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/KorszunKarol/go-distort/internal/client"
	"github.com/KorszunKarol/go-distort/internal/config"
	"github.com/KorszunKarol/go-distort/internal/logging"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: client <config_file>")
		os.Exit(1)
	}
	cfg, err := config.LoadClient(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	l := logging.New(cfg.Logging.Format, logging.ParseLevel(cfg.Logging.Level), os.Stderr).
		With("app", "client", "username", cfg.Username)
	logging.Set(l)

	cl := client.New(
		client.WithUsername(cfg.Username),
		client.WithLocalFolder(cfg.LocalFolder),
		client.WithCoordinatorAddr(cfg.Coordinator.Addr()),
		client.WithHeartbeat(cfg.Heartbeat),
		client.WithStreamRate(cfg.StreamRate),
		client.WithLogger(l),
	)

	fmt.Printf("%s user initialized\n", cl.Username())
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("$ ")
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if done := run(cl, line); done {
			break
		}
	}
	if cl.Connected() {
		_ = cl.Logout()
	}
}

// run executes one terminal command; reports whether the REPL should exit.
func run(cl *client.Client, line string) bool {
	cmd, err := client.ParseCommand(line)
	if err != nil {
		fmt.Println(err)
		return false
	}
	switch cmd.Kind {
	case client.CmdConnect:
		if err := cl.Connect(context.Background()); err != nil {
			fmt.Println("cannot connect:", err)
			return false
		}
		fmt.Println("connected to Mr. J System")
	case client.CmdLogout:
		if err := cl.Logout(); err != nil {
			fmt.Println("logout:", err)
			return false
		}
		fmt.Println("logged out")
	case client.CmdList:
		files, err := cl.List(cmd.Class)
		if err != nil {
			fmt.Println(err)
			return false
		}
		if len(files) == 0 {
			fmt.Println("no files")
			return false
		}
		for i, f := range files {
			fmt.Printf("%d. %s\n", i+1, f)
		}
	case client.CmdDistort:
		// The user may interrupt an in-flight session; the worker link is
		// abandoned and the coordinator keeps the registration.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT)
		err := cl.Distort(ctx, cmd.File, cmd.Factor)
		stop()
		if err != nil {
			fmt.Println("cannot distort:", err)
			return false
		}
		fmt.Println("distortion complete:", cmd.File)
	case client.CmdCheckStatus:
		fmt.Println(cl.Status())
	case client.CmdExit:
		return true
	}
	return false
}
