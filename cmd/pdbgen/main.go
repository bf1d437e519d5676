// pdbgen rebuilds a PDB for a binary whose code was rewritten by an
// obfuscator, using the pre-transformation PDB as the source of names.
package main

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/jtang613/pdbgen/pkg/symgen"
)

const envPrefix = "PDBGEN_"

var cfg struct {
	verbose bool
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Generate a PDB for an obfuscated PE from its original PDB and a range table.").UsageWriter(os.Stdout)
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("false").BoolVar(&cfg.verbose)

	generateCmd := app.Command("generate", "Write a PDB for the transformed binary.")
	generateParams := addGenerateParams(generateCmd)

	dumpCmd := app.Command("dump", "Print PDB information and its public symbols.")
	dumpParams := addDumpParams(dumpCmd)

	lookupCmd := app.Command("lookup", "Resolve RVAs to symbol names using a PDB.")
	lookupParams := addLookupParams(lookupCmd)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	ctx := symgen.WithLogger(context.Background(), logger)
	ctx = withOutput(ctx, os.Stdout)

	switch parsedCmd {
	case generateCmd.FullCommand():
		if err := generate(ctx, generateParams); err != nil {
			os.Exit(checkError(err))
		}
	case dumpCmd.FullCommand():
		if err := dump(ctx, dumpParams); err != nil {
			os.Exit(checkError(err))
		}
	case lookupCmd.FullCommand():
		if err := lookup(ctx, lookupParams); err != nil {
			os.Exit(checkError(err))
		}
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
		os.Exit(1)
	}
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	level.Error(logger).Log("msg", "command failed", "err", err)
	return 1
}

type contextKey uint8

const contextKeyOutput contextKey = iota

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}
