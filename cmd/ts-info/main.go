package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Eyevinn/streammux/internal"
	"github.com/Eyevinn/streammux/internal/probe"
)

type tsInfoOptions struct {
	probe.Options
	Tables bool
}

func parseOptions() tsInfoOptions {
	opts := tsInfoOptions{}
	flag.IntVar(&opts.MaxNrPictures, "max", 0, "max nr pictures to parse")
	flag.BoolVar(&opts.ShowStreamInfo, "streams", true, "print elementary streams of every new PMT layout")
	flag.BoolVar(&opts.ShowService, "service", true, "print SDT services")
	flag.BoolVar(&opts.ShowStatistics, "stats", false, "print timestamp statistics per stream")
	flag.BoolVar(&opts.ShowNALU, "nalu", false, "print NAL units of every video PES")
	flag.BoolVar(&opts.ShowPS, "ps", false, "print new or changed video parameter sets")
	flag.BoolVar(&opts.Tables, "tables", false, "check continuity counters and table versions instead")
	flag.BoolVar(&opts.Indent, "indent", false, "indent JSON output")
	flag.BoolVar(&opts.Version, "version", false, "print version")

	flag.Usage = func() {
		parts := strings.Split(os.Args[0], "/")
		name := parts[len(parts)-1]
		fmt.Fprintf(os.Stderr, usg, name, name)
		fmt.Fprintf(os.Stderr, "\nRun as: %s [options] file.ts (- for stdin) with options:\n\n", name)
		flag.PrintDefaults()
	}

	flag.Parse()
	opts.ShowTables = opts.Tables
	return opts
}

var usg = `Usage of %s:

%s lists services, elementary streams and timestamp statistics of an MPEG-TS file.
With -tables it instead reports packets, continuity counter errors and PAT, PMT and SDT
version changes per PID, and exits with an error if any continuity error is found.
`

func main() {
	o := parseOptions()
	if o.Version {
		fmt.Printf("ts-info version %s\n", internal.GetVersion())
		os.Exit(0)
	}
	if len(flag.Args()) < 1 {
		flag.Usage()
		os.Exit(1)
	}
	inFile := flag.Args()[0]
	err := run(os.Stdout, o, inFile)
	if err != nil {
		log.Fatal(err)
	}
}

func run(w io.Writer, o tsInfoOptions, inFile string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()

	var f io.Reader
	if inFile == "-" {
		f = os.Stdin
	} else {
		fh, err := os.Open(inFile)
		if err != nil {
			return err
		}
		defer fh.Close()
		f = fh
	}

	var parse probe.RunableFunc = probe.ParseAll
	if o.Tables {
		parse = probe.CheckTables
	}
	return parse(ctx, w, f, o.Options)
}
