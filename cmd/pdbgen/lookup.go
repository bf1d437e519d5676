package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/jtang613/pdbgen/pkg/pdb"
)

type lookupParams struct {
	path string
	rvas []string
}

func addLookupParams(cmd *kingpin.CmdClause) *lookupParams {
	params := &lookupParams{}
	cmd.Arg("pdb", "PDB file to search.").Required().ExistingFileVar(&params.path)
	cmd.Arg("rva", "Relative virtual addresses, hex with or without 0x.").Required().StringsVar(&params.rvas)
	return params
}

func lookup(ctx context.Context, params *lookupParams) error {
	p, err := pdb.Open(params.path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", params.path)
	}
	defer p.Close()

	out := output(ctx)
	var errs *multierror.Error
	for _, s := range params.rvas {
		rva, err := parseRVA(s)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		name, ok, err := p.FindSymbolByRVA(rva)
		if err != nil {
			return err
		}
		if !ok {
			name = "<not found>"
		}
		fmt.Fprintf(out, "0x%08X %s\n", rva, name)
	}
	return errs.ErrorOrNil()
}

func parseRVA(s string) (uint32, error) {
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid rva %q", s)
	}
	return uint32(v), nil
}
