// Command ocibuild reads a build specification from stdin (or a file given
// with -f) and writes an OCI image layout directory, per spec.md §6.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/containers/ocibuild/internal/build"
	"github.com/containers/ocibuild/internal/buildconfig"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("ocibuild", flag.ContinueOnError)
	var workers int
	fs.IntVar(&workers, "j", 0, "number of images to build concurrently (default: GOMAXPROCS)")
	fs.IntVar(&workers, "workers", 0, "alias for -j")
	logLevel := fs.String("log-level", "info", "logging level: trace, debug, info, warn, error")
	configPath := fs.String("f", "-", "path to the build config YAML, or - for stdin")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: ocibuild [-f config.yaml] [-j workers] [--log-level level]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ocibuild: invalid --log-level %q: %v\n", *logLevel, err)
		return 2
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)

	var src io.Reader = os.Stdin
	if *configPath != "-" {
		f, err := os.Open(*configPath)
		if err != nil {
			logrus.WithError(err).Error("opening build config")
			return 1
		}
		defer f.Close()
		src = f
	}

	cfg, err := buildconfig.Load(src)
	if err != nil {
		logrus.WithError(err).Error("loading build config")
		return 1
	}
	if workers > 0 {
		cfg.Workers = workers
	}

	if err := build.Run(cfg); err != nil {
		logrus.WithError(err).Error("build failed")
		return 1
	}
	return 0
}
