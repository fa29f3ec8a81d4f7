package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/cellhv/cellhv/internal/hv"
	"github.com/cellhv/cellhv/internal/hv/pagepool"
	"github.com/cellhv/cellhv/internal/hv/simarch"
	"github.com/cellhv/cellhv/internal/hvconfig"
)

func main() {
	configPath := flag.String("config", "", "Path to a system configuration file (YAML)")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config <system.yml>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetLogLoggerLevel(level)

	if *configPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configPath); err != nil {
		slog.Error("hypervisor exited with an error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	sysCfg, err := hvconfig.Load(configPath)
	if err != nil {
		return err
	}

	log := hv.NewLogger(slog.Default())

	cpuSetSizeBytes := (sysCfg.NumCPUs + 7) / 8
	rootCfg, err := sysCfg.RootCell.ToCellConfig(cpuSetSizeBytes, sysCfg.NumCPUs)
	if err != nil {
		return err
	}

	arch := simarch.New(log, sysCfg.NumCPUs, 1<<30)
	memPool := pagepool.New(sysCfg.MemPoolPages)
	remapPool := pagepool.New(sysCfg.RemapPoolPages)

	var rootCPUSet hv.CPUSet
	if err := rootCPUSet.Init(memPool, rootCfg.CPUSetBitmap, rootCfg.CPUSetSizeBytes); err != nil {
		return err
	}

	h, err := hv.New(hv.Config{
		Log:          log,
		Arch:         arch,
		MemPool:      memPool,
		RemapPool:    remapPool,
		GuestMem:     arch,
		RootConfig:   rootCfg,
		SystemCPUSet: rootCPUSet,
		NumCPUs:      sysCfg.NumCPUs,
	})
	if err != nil {
		return err
	}

	log.Infof("hypervisor bootstrapped with root cell %q, %d cpus, %d mem pool pages",
		rootCfg.Name, sysCfg.NumCPUs, sysCfg.MemPoolPages)

	n, err := h.HypervisorGetInfo(hv.InfoNumCells)
	if err != nil {
		return err
	}
	log.Infof("%d cell(s) active", n)

	return nil
}
