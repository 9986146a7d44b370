package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/evanphx/meridian/boot"
	"github.com/evanphx/meridian/config"
	"github.com/evanphx/meridian/loader"
	mlog "github.com/evanphx/meridian/log"
)

var (
	fImage     = pflag.StringP("image", "i", "", "ELF image to load; the built-in echo image when empty")
	fInventory = pflag.StringP("inventory", "m", "", "YAML memory inventory")
	fTimeout   = pflag.DurationP("timeout", "t", 0, "stop the system after this long")
)

func main() {
	cpuprofile := os.Getenv("CPUPROFILE")
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		fmt.Printf("pprof: profiling started\n")
	}

	pflag.Parse()

	code, err := run()

	if cpuprofile != "" {
		pprof.StopCPUProfile()
		fmt.Printf("pprof: profiling finished\n")
	}

	if err != nil {
		log.Fatal(err)
	}

	os.Exit(code)
}

func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return 0, err
	}

	mlog.SetLevel(cfg.Log.Level)
	mlog.EnableDebug()

	inv := boot.DefaultInventory()

	path := *fInventory
	if path == "" {
		path = cfg.Boot.Inventory
	}

	if path != "" {
		inv, err = boot.LoadInventory(path)
		if err != nil {
			return 0, err
		}
	}

	img := boot.EchoImage()
	name := "echo"

	if *fImage != "" {
		img, err = loader.NewLoader(loader.NewLoaderCache()).LoadFile(*fImage)
		if err != nil {
			return 0, err
		}

		name = filepath.Base(*fImage)
	}

	args := append([]string{name}, pflag.Args()...)

	sys, err := boot.Boot(cfg, inv, boot.Options{
		Console:    os.Stdout,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		return 0, err
	}

	// The simulated machine runs Go programs, not instructions: the echo
	// payload stands in for whatever image was loaded.
	task, err := sys.Spawn(img, args, boot.Echo)
	if err != nil {
		return 0, err
	}

	ctx := context.Background()

	if *fTimeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, *fTimeout)
		defer cancel()
	}

	if err := sys.Run(ctx); err != nil {
		return 0, err
	}

	status, ok := sys.Reap(ctx)[task.ID]
	if !ok {
		return 0, fmt.Errorf("task %d did not exit", task.ID)
	}

	if status.Signo != 0 {
		return 128 + status.Signo, nil
	}

	return status.Code, nil
}
