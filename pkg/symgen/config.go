package symgen

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/jtang613/pdbgen/pkg/pdb"
	"github.com/jtang613/pdbgen/pkg/rangemap"
)

// Config holds the inputs and output of one generation run.
type Config struct {
	MapFile      string
	MapFormat    string
	ObfuscatedPE string
	ReferencePDB string
	OutputPDB    string

	// StrictRanges turns overlapping or inverted ranges into an error.
	StrictRanges bool
	// ModuleName names the single module of the output; the object file
	// name is derived from it.
	ModuleName string
}

// Validate checks that every path is set and the map format is known.
func (c *Config) Validate() error {
	var errs *multierror.Error
	for _, req := range []struct {
		flag, value string
	}{
		{"map-file", c.MapFile},
		{"obf-pe", c.ObfuscatedPE},
		{"orig-pdb", c.ReferencePDB},
		{"out-pdb", c.OutputPDB},
	} {
		if req.value == "" {
			errs = multierror.Append(errs, errors.Errorf("%s is required", req.flag))
		}
	}
	if _, err := rangemap.Format(c.MapFormat).Resolve(c.MapFile); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

func (c *Config) moduleName() string {
	if c.ModuleName == "" {
		return pdb.DefaultModuleName
	}
	return c.ModuleName
}
