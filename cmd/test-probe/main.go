package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/manifest"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/runtime"
	log "github.com/sirupsen/logrus"
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "serve", "Serve the test probe", `
Serve the test probe API until signalled to exit (via SIGTERM or SIGINT).
Tests are admitted against the configured concurrency budget and run
against the configured broker, schema registry, vault, and storage.
`, &cmdServe{})

	addCmd(parser, "check", "Check a local test bucket", `
Check that a local directory is a valid test bucket: its features
directory is non-empty and its topic-directive manifest parses.
`, &cmdCheck{})

	if _, err := parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addCmd(parser *flags.Parser, a, b, c string, iface interface{}) {
	if _, err := parser.AddCommand(a, b, c, iface); err != nil {
		panic(err)
	}
}

type cmdServe struct {
	runtime.ProbeConfig
}

func (cmd *cmdServe) Execute(_ []string) error {
	runtime.InitLog(cmd.Log)

	var server, err = runtime.NewProbeServer(cmd.ProbeConfig)
	if err != nil {
		return err
	}

	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return server.Serve(ctx)
}

type cmdCheck struct {
	Directory    string            `long:"directory" default:"." description:"Bucket directory to check"`
	FeaturesPath string            `long:"features-path" default:"features" description:"Bucket-relative directory of feature files"`
	ManifestPath string            `long:"manifest-path" default:"topic-directives.yaml" description:"Bucket-relative path of the topic manifest"`
	Log          runtime.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd *cmdCheck) Execute(_ []string) error {
	runtime.InitLog(cmd.Log)

	var features, err = os.ReadDir(filepath.Join(cmd.Directory, cmd.FeaturesPath))
	if err != nil {
		return fmt.Errorf("reading features directory: %w", err)
	}
	var files int
	for _, e := range features {
		if !e.IsDir() {
			files++
		}
	}
	if files == 0 {
		return fmt.Errorf("features directory %s is empty", cmd.FeaturesPath)
	}

	f, err := os.Open(filepath.Join(cmd.Directory, cmd.ManifestPath))
	if err != nil {
		return fmt.Errorf("opening topic manifest: %w", err)
	}
	defer f.Close()

	m, err := manifest.Parse(f)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"features":  files,
		"topics":    len(m.Topics),
		"producers": len(m.Producers()),
		"consumers": len(m.Consumers()),
	}).Info("bucket is valid")
	return nil
}
