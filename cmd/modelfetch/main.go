// modelfetch downloads model weight files in resumable, verified chunks.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/shepherd-project/modelfetch/internal/config"
	"github.com/shepherd-project/modelfetch/internal/logger"
	"github.com/shepherd-project/modelfetch/internal/version"
)

const usage = `Usage: modelfetch [-config path] [command] [args]

Commands:
  serve                    run the HTTP API (default)
  fetch [-resume] <id>     download a catalog model in the foreground
  import <id> <path>       record an existing file as a finished download
  list                     show stored downloads

Flags:
`

func main() {
	configPath := flag.String("config", "", "path to the config file")
	showVersion := flag.Bool("version", false, "print version information")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetVersionInfo().FullString())
		return
	}

	args := flag.Args()
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	configMgr := config.NewManager()
	if *configPath != "" {
		configMgr = config.NewManagerWithPath(*configPath)
	}
	cfg, err := configMgr.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", configMgr.GetConfigPath(), err)
		os.Exit(1)
	}

	// Foreground commands keep the terminal for the progress bar.
	if command != "serve" && cfg.Log.Output != "file" {
		cfg.Log.Output = "file"
	}
	if err := logger.InitLogger(&cfg.Log, command); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to initialize logger: %v\n", err)
	}
	defer logger.GetLogger().Close()

	logger.Infof("modelfetch %s, config %s", version.GetVersionInfo(), configMgr.GetConfigPath())

	switch command {
	case "serve":
		err = runServe(cfg)
	case "fetch":
		err = runFetch(cfg, args)
	case "import":
		err = runImport(cfg, args)
	case "list":
		err = runList(cfg)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Errorf("%s failed: %v", command, err)
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		logger.GetLogger().Close()
		os.Exit(1)
	}
}

func flagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}
