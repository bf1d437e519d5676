package symgen

import (
	"context"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/jtang613/pdbgen/pkg/pdb"
	"github.com/jtang613/pdbgen/pkg/peinfo"
	"github.com/jtang613/pdbgen/pkg/rangemap"
)

// Generate writes a PDB for the transformed binary described by cfg. The
// range table is optional in the sense that a missing or malformed table is
// logged and treated as empty; every other failure aborts the run and leaves
// no output behind.
func Generate(ctx context.Context, cfg Config) (Stats, error) {
	logger := Logger(ctx)
	if err := cfg.Validate(); err != nil {
		return Stats{}, errors.Wrap(err, "invalid configuration")
	}

	ranges := rangemap.Load(cfg.MapFile, rangemap.Format(cfg.MapFormat), logger)
	if err := ranges.Validate(); err != nil {
		if cfg.StrictRanges {
			return Stats{}, errors.Wrap(err, "range table failed validation")
		}
		level.Warn(logger).Log("msg", "range table has overlapping or inverted entries, lookups may miss", "err", err)
	}

	id, err := peinfo.ReadFile(cfg.ObfuscatedPE)
	if err != nil {
		return Stats{}, errors.Wrapf(err, "failed to read %s", cfg.ObfuscatedPE)
	}
	level.Debug(logger).Log("msg", "loaded transformed image", "path", cfg.ObfuscatedPE, "sections", len(id.Sections), "guid", id.GUIDString(), "age", id.Age)

	ref, err := pdb.Open(cfg.ReferencePDB)
	if err != nil {
		return Stats{}, errors.Wrapf(err, "failed to open %s", cfg.ReferencePDB)
	}
	defer ref.Close()

	rec := NewReconciler(id.Sections, ranges, ref, logger)
	retained, err := rec.Retain()
	if err != nil {
		return Stats{}, err
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	synthesized, err := rec.Synthesize()
	if err != nil {
		return Stats{}, err
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	b := pdb.NewBuilder()
	b.GUID = id.GUID
	if id.Age != 0 {
		b.Age = id.Age
	}
	b.Signature = id.Signature
	if id.Machine != 0 {
		b.Machine = id.Machine
	}
	b.Sections = peinfo.Headers(id.Sections)
	b.ModuleName = cfg.moduleName()
	b.ObjFileName = cfg.moduleName() + ".obj"
	b.AddPublics(retained)
	b.AddPublics(synthesized)

	if err := b.Commit(cfg.OutputPDB); err != nil {
		return Stats{}, errors.Wrapf(err, "failed to write %s", cfg.OutputPDB)
	}

	stats := rec.Stats()
	level.Info(logger).Log(
		"msg", "wrote PDB",
		"path", cfg.OutputPDB,
		"retained", stats.Retained,
		"dropped", stats.Dropped,
		"synthesized", stats.Synthesized,
		"unresolved", stats.Unresolved,
		"renamed", stats.Renamed,
	)
	return stats, nil
}
