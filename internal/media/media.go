// Package media resolves reference images and recordings for species codes.
//
// The Resolver reads the species_media table and asks a Source only for the
// pieces that are missing. Results are merged into the table with a
// fill-only upsert so a populated link is never replaced or cleared.
package media

import (
	"context"

	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/errors"
)

// Fields selects which media pieces a fetch should look up.
type Fields uint8

const (
	FieldImage Fields = 1 << iota
	FieldAudio

	FieldAll = FieldImage | FieldAudio
)

// Has reports whether every bit of f2 is set in f
func (f Fields) Has(f2 Fields) bool {
	return f&f2 == f2
}

// String returns a short label for logs
func (f Fields) String() string {
	switch f {
	case FieldImage:
		return "image"
	case FieldAudio:
		return "audio"
	case FieldAll:
		return "image+audio"
	default:
		return "none"
	}
}

// Media is what a Source found for one species. Empty strings mean not found.
type Media struct {
	SpeciesCode string
	ImageURL    string
	ImageRights string
	AudioURL    string
	AudioRights string
}

// Empty reports whether nothing was found
func (m Media) Empty() bool {
	return m.ImageURL == "" && m.AudioURL == ""
}

// Source fetches media from a remote provider. Implementations return a
// CategoryNotFound error when the provider has nothing for the species.
type Source interface {
	Name() string
	FetchMedia(ctx context.Context, code, scientificName string, want Fields) (Media, error)
}

// ErrNotFound is returned by sources that have nothing for a species
var ErrNotFound = errors.NewStd("species media not found at source")

// missingFields returns the fields a cached row still lacks
func missingFields(cached *datastore.SpeciesMedia) Fields {
	var want Fields
	if !cached.HasImage() {
		want |= FieldImage
	}
	if !cached.HasAudio() {
		want |= FieldAudio
	}
	return want
}

// toRow converts a fetch result into a merge row holding only the wanted,
// non-empty fields. Everything else stays nil so the merge leaves it alone.
func toRow(code string, m Media, want Fields) *datastore.SpeciesMedia {
	row := &datastore.SpeciesMedia{SpeciesCode: code}
	if want.Has(FieldImage) && m.ImageURL != "" {
		row.ImageURL = strPtr(m.ImageURL)
		row.ImageRights = optional(m.ImageRights)
	}
	if want.Has(FieldAudio) && m.AudioURL != "" {
		row.AudioURL = strPtr(m.AudioURL)
		row.AudioRights = optional(m.AudioRights)
	}
	return row
}

func strPtr(s string) *string { return &s }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func notFound(source, code string) error {
	return errors.New(ErrNotFound).
		Component("media").
		Category(errors.CategoryNotFound).
		Context("source", source).
		Context("species_code", code).
		Build()
}
