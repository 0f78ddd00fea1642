// Command vmaddr assigns bus addresses to the devices of a virtual machine
// definition and prints them.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tinyrange/vmaddr/internal/config"
	"github.com/tinyrange/vmaddr/internal/domain"
	"github.com/tinyrange/vmaddr/internal/domxml"
	"github.com/tinyrange/vmaddr/internal/placement"
	"golang.org/x/term"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		if domain.IsConfigError(err) {
			fmt.Fprintf(os.Stderr, "vmaddr: %v (configuration error)\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "vmaddr: %v\n", err)
		}
		os.Exit(1)
	}
}

// input is a loaded domain together with the way to render it again.
type input struct {
	def     *domain.Def
	opts    placement.Options
	marshal func() ([]byte, error)
}

func load(path string) (*input, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xml":
		data, err := config.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read domain: %w", err)
		}
		doc, err := domxml.Parse(string(data))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return &input{
			def:  doc.Def,
			opts: placement.DefaultOptions(),
			marshal: func() ([]byte, error) {
				out, err := doc.Marshal()
				return []byte(out + "\n"), err
			},
		}, nil
	case ".yaml", ".yml":
		def, opts, err := config.LoadDomain(path)
		if err != nil {
			return nil, err
		}
		return &input{
			def:     def,
			opts:    opts,
			marshal: func() ([]byte, error) { return config.MarshalDomain(def) },
		}, nil
	default:
		return nil, fmt.Errorf("%s: unsupported file type (want .xml, .yaml or .yml)", path)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("vmaddr", flag.ContinueOnError)
	fs.SetOutput(stderr)
	optionsPath := fs.String("options", "", "YAML file with placement options (replaces options embedded in the domain)")
	dbg := fs.Bool("debug", false, "Enable debug logging")
	write := fs.Bool("write", false, "Print the updated domain document instead of the address table")
	noBridges := fs.Bool("no-bridges", false, "Do not add PCI bridges when the root bus runs out of slots")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: vmaddr [flags] <domain.xml|domain.yaml>\n\n")
		fmt.Fprintf(stderr, "Assign PCI, USB, CCW, spapr-vio and virtio-serial addresses to the devices of a domain.\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("exactly one domain file required")
	}

	in, err := load(fs.Arg(0))
	if err != nil {
		return err
	}
	if *optionsPath != "" {
		if in.opts, err = config.LoadOptions(*optionsPath); err != nil {
			return err
		}
	}
	if *noBridges {
		in.opts.PCIBridge = false
	}

	addrs, err := placement.AssignAddresses(in.def, in.opts)
	if err != nil {
		return err
	}
	if addrs.PCI != nil {
		slog.Debug("PCI placement done", "buses", addrs.PCI.NumBuses())
	}

	if *write {
		out, err := in.marshal()
		if err != nil {
			return err
		}
		_, err = stdout.Write(out)
		return err
	}

	tty, width := false, 0
	if f, ok := stdout.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		tty = true
		if w, _, err := term.GetSize(int(f.Fd())); err == nil {
			width = w
		}
	}
	return writeTable(stdout, rows(in.def), tty, width)
}
