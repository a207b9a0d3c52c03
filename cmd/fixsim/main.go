package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/quantrail/brokerd/pkg/fixserver"
)

func main() {
	var configFile string
	var defaultMark float64
	flag.StringVar(&configFile, "config-file", "./config/fixsim.cfg", "Specify acceptor settings file path")
	flag.Float64Var(&defaultMark, "default-mark", 100, "Fill price for market orders without a per-symbol mark")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	server := fixserver.NewServer()
	if err := server.Init(configFile); err != nil {
		panic(err)
	}
	server.SetDefaultMark(decimal.NewFromFloat(defaultMark))
	if err := server.Start(); err != nil {
		panic(err)
	}
	fmt.Println("FIX simulator started. Press Ctrl+C to exit.")

	<-sigs
	fmt.Println("Shutting down...")
	_ = server.Stop()

	fmt.Println("Exited cleanly.")
}
