package main

import (
	"context"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/jtang613/pdbgen/pkg/pdb"
	"github.com/jtang613/pdbgen/pkg/rangemap"
	"github.com/jtang613/pdbgen/pkg/symgen"
)

func addGenerateParams(cmd *kingpin.CmdClause) *symgen.Config {
	params := &symgen.Config{}
	cmd.Flag("map-file", "Range table describing the rewritten code, binary or CSV.").Required().Envar(envPrefix + "MAP_FILE").StringVar(&params.MapFile)
	cmd.Flag("map-format", "Range table encoding. Auto picks CSV for .csv files.").Default(string(rangemap.FormatAuto)).EnumVar(&params.MapFormat, rangemap.Formats...)
	cmd.Flag("obf-pe", "The transformed PE image.").Required().Envar(envPrefix + "OBF_PE").StringVar(&params.ObfuscatedPE)
	cmd.Flag("orig-pdb", "PDB of the binary before transformation.").Required().Envar(envPrefix + "ORIG_PDB").StringVar(&params.ReferencePDB)
	cmd.Flag("out-pdb", "Where to write the generated PDB.").Required().Envar(envPrefix + "OUT_PDB").StringVar(&params.OutputPDB)
	cmd.Flag("strict-ranges", "Fail when the range table has overlapping or inverted entries.").Default("false").BoolVar(&params.StrictRanges)
	cmd.Flag("module-name", "Name of the single module in the generated PDB.").Default(pdb.DefaultModuleName).StringVar(&params.ModuleName)
	return params
}

func generate(ctx context.Context, params *symgen.Config) error {
	_, err := symgen.Generate(ctx, *params)
	return err
}
