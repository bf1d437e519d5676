package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/jtang613/pdbgen/pkg/pdb"
	"github.com/jtang613/pdbgen/pkg/pdb/codeview"
)

type dumpParams struct {
	path      string
	json      bool
	pretty    bool
	sections  bool
	functions bool
}

func addDumpParams(cmd *kingpin.CmdClause) *dumpParams {
	params := &dumpParams{}
	cmd.Arg("pdb", "PDB file to inspect.").Required().ExistingFileVar(&params.path)
	cmd.Flag("json", "Output JSON instead of tables.").Default("false").BoolVar(&params.json)
	cmd.Flag("pretty", "Indent JSON output.").Default("false").BoolVar(&params.pretty)
	cmd.Flag("sections", "Also list section headers.").Default("false").BoolVar(&params.sections)
	cmd.Flag("functions", "Also list procedures from the symbol and module streams.").Default("false").BoolVar(&params.functions)
	return params
}

type dumpResult struct {
	Size      uint64             `json:"size"`
	Info      *pdb.PDBInfo       `json:"info"`
	Modules   []pdb.ModuleInfo   `json:"modules"`
	Sections  []pdb.SectionInfo  `json:"sections,omitempty"`
	Functions []pdb.Function     `json:"functions,omitempty"`
	Publics   []pdb.PublicSymbol `json:"public_symbols"`
}

func dump(ctx context.Context, params *dumpParams) error {
	p, err := pdb.Open(params.path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", params.path)
	}
	defer p.Close()

	stat, err := os.Stat(params.path)
	if err != nil {
		return err
	}
	res := dumpResult{
		Size:    uint64(stat.Size()),
		Info:    p.Info(),
		Modules: p.Modules(),
	}
	if res.Publics, err = p.PublicSymbols(); err != nil {
		return err
	}
	if params.sections {
		if res.Sections, err = p.Sections(); err != nil {
			return err
		}
	}
	if params.functions {
		if res.Functions, err = p.Functions(); err != nil {
			return err
		}
	}

	out := output(ctx)
	if params.json {
		enc := json.NewEncoder(out)
		enc.SetEscapeHTML(false)
		if params.pretty {
			enc.SetIndent("", "  ")
		}
		return enc.Encode(res)
	}
	writeDump(out, &res)
	return nil
}

func writeDump(out io.Writer, res *dumpResult) {
	info := res.Info
	fmt.Fprintln(out, "Size:      ", humanize.Bytes(res.Size))
	fmt.Fprintln(out, "GUID:      ", info.GUID)
	fmt.Fprintln(out, "Age:       ", info.Age)
	fmt.Fprintf(out, "Signature:  0x%08X\n", info.Signature)
	fmt.Fprintln(out, "Machine:   ", info.Machine)
	fmt.Fprintln(out, "Streams:   ", info.Streams)
	for _, m := range res.Modules {
		fmt.Fprintf(out, "Module:     %s (%s)\n", m.Name, m.ObjectFile)
	}

	if len(res.Sections) > 0 {
		fmt.Fprintln(out)
		table := tablewriter.NewWriter(out)
		table.SetHeader([]string{"#", "Name", "RVA", "Length"})
		for _, s := range res.Sections {
			table.Append([]string{
				fmt.Sprintf("%d", s.Index),
				s.Name,
				fmt.Sprintf("0x%08X", s.Offset),
				fmt.Sprintf("0x%X", s.Length),
			})
		}
		table.Render()
	}

	if len(res.Functions) > 0 {
		fmt.Fprintln(out)
		table := tablewriter.NewWriter(out)
		table.SetHeader([]string{"Segment", "Offset", "RVA", "Length", "Module", "Name"})
		for _, fn := range res.Functions {
			table.Append([]string{
				fmt.Sprintf("%04X", fn.Segment),
				fmt.Sprintf("%08X", fn.Offset),
				fmt.Sprintf("0x%08X", fn.RVA),
				fmt.Sprintf("0x%X", fn.Length),
				fn.Module,
				fn.Name,
			})
		}
		table.Render()
	}

	fmt.Fprintln(out)
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Segment", "Offset", "RVA", "Flags", "Name"})
	for _, pub := range res.Publics {
		table.Append([]string{
			fmt.Sprintf("%04X", pub.Segment),
			fmt.Sprintf("%08X", pub.Offset),
			fmt.Sprintf("0x%08X", pub.RVA),
			publicFlags(pub.Flags),
			pub.Name,
		})
	}
	table.Render()
}

func publicFlags(flags uint32) string {
	if flags == codeview.PubFlagNone {
		return "-"
	}
	var parts []string
	for _, f := range []struct {
		bit  uint32
		name string
	}{
		{codeview.PubFlagCode, "code"},
		{codeview.PubFlagFunction, "function"},
		{codeview.PubFlagManaged, "managed"},
		{codeview.PubFlagMSIL, "msil"},
	} {
		if flags&f.bit != 0 {
			parts = append(parts, f.name)
			flags &^= f.bit
		}
	}
	if flags != 0 {
		parts = append(parts, fmt.Sprintf("0x%X", flags))
	}
	return strings.Join(parts, "|")
}
