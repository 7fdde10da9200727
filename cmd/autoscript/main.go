// Command autoscript runs one instruction against local files and writes
// the result into an output directory.
//
//	autoscript -i "merge the sheets into one csv" [-o dir] file...
//
// The code generation backend and the sandbox are configured the same way
// as for the server (-config, AUTOSCRIPT_CONFIG or AUTOSCRIPT_* variables).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rhuss/autoscript/pkg/api"
	"github.com/rhuss/autoscript/pkg/app"
	"github.com/rhuss/autoscript/pkg/config"
	"github.com/rhuss/autoscript/pkg/output"
	"github.com/rhuss/autoscript/pkg/pipeline"
)

func main() {
	var (
		instruction = flag.String("i", "", "instruction describing the transformation")
		outDir      = flag.String("o", ".", "directory the result is written to")
		configPath  = flag.String("config", "", "path to the YAML config file")
		showCode    = flag.Bool("show-code", false, "print the program of the last attempt")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s -i <instruction> [-o dir] file...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *instruction == "" || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	os.Exit(run(*configPath, *instruction, *outDir, flag.Args(), *showCode))
}

func run(configPath, instruction, outDir string, files []string, showCode bool) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	app.InitLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := app.NewPipeline(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer p.Close()

	out, err := p.Run(ctx, pipeline.Request{ID: api.NewRunID(), Files: files, Instruction: instruction})
	if out != nil && showCode && len(out.Attempts) > 0 {
		fmt.Fprintf(os.Stderr, "--- program (attempt %d) ---\n%s\n", len(out.Attempts), out.Attempts[len(out.Attempts)-1].Code)
	}
	if err != nil {
		if errors.Is(err, pipeline.ErrRetryBudgetExhausted) && out != nil {
			fmt.Fprintf(os.Stderr, "failed after %d attempts, last error:\n%s\n", len(out.Attempts), out.Log)
			return 1
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	path, err := out.Artifact.Save(outDir)
	if errors.Is(err, output.ErrNoFiles) {
		fmt.Println("No files available for download.")
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Printf("%s (%d attempts)\n", path, len(out.Attempts))
	return 0
}
