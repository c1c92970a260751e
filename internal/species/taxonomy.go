package species

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/errors"
)

// Taxonomy is the on-disk taxonomy file format
//
//	species:
//	  - code: eurbla
//	    common_name: Eurasian Blackbird
//	    scientific_name: Turdus merula
type Taxonomy struct {
	Species []datastore.Species `yaml:"species"`
}

// Importer is the write side of the taxonomy store
type Importer interface {
	UpsertSpecies(ctx context.Context, species []datastore.Species) (int64, error)
}

// ParseTaxonomy decodes and validates a taxonomy document. Codes must be
// unique and every entry needs both names.
func ParseTaxonomy(r io.Reader) ([]datastore.Species, error) {
	var tax Taxonomy
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&tax); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, errors.New(err).
			Component("species").
			Category(errors.CategoryFileParsing).
			Context("operation", "parse_taxonomy").
			Build()
	}

	seen := make(map[string]int, len(tax.Species))
	var problems []string
	for i := range tax.Species {
		sp := &tax.Species[i]
		sp.Code = strings.TrimSpace(sp.Code)
		sp.CommonName = strings.TrimSpace(sp.CommonName)
		sp.ScientificName = strings.TrimSpace(sp.ScientificName)

		switch {
		case sp.Code == "":
			problems = append(problems, fmt.Sprintf("entry %d: missing code", i+1))
		case sp.CommonName == "" || sp.ScientificName == "":
			problems = append(problems, fmt.Sprintf("entry %d (%s): missing name", i+1, sp.Code))
		}
		if prev, dup := seen[sp.Code]; dup && sp.Code != "" {
			problems = append(problems, fmt.Sprintf("entry %d: duplicate code %s (first at entry %d)", i+1, sp.Code, prev))
		}
		seen[sp.Code] = i + 1
	}
	if len(problems) > 0 {
		return nil, errors.Newf("invalid taxonomy: %s", strings.Join(problems, "; ")).
			Component("species").
			Category(errors.CategoryValidation).
			Context("problems", len(problems)).
			Build()
	}
	return tax.Species, nil
}

// ImportFile loads a taxonomy file into the store and returns the number of rows written
func ImportFile(ctx context.Context, store Importer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.New(err).
			Component("species").
			Category(errors.CategoryFileParsing).
			Context("path", path).
			Build()
	}
	defer func() { _ = f.Close() }()

	entries, err := ParseTaxonomy(f)
	if err != nil {
		return 0, err
	}
	return store.UpsertSpecies(ctx, entries)
}
