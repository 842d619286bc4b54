package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	jsoniter "github.com/json-iterator/go"

	"github.com/quantfeed/marketpipe/internal/config"
	"github.com/quantfeed/marketpipe/internal/initializer"
)

func main() {
	cfgPath := flag.String("config", "./config.json", "path to the JSON config file")
	flag.Parse()

	cfgFile, err := os.Open(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "not able to find config file: %v\n", *cfgPath)
		os.Exit(1)
	}
	var cfg config.Config
	if err = jsoniter.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		cfgFile.Close()
		fmt.Fprintf(os.Stderr, "not able to parse JSON from config file: %v\n", *cfgPath)
		os.Exit(1)
	}
	cfgFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := initializer.Start(ctx, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "marketpipe exited with error: %v\n", err)
		os.Exit(1)
	}
}
