package datastore

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/logger"
)

// MediaCandidate is a species code whose media row is missing or incomplete
type MediaCandidate struct {
	SpeciesCode    string
	ScientificName string
}

// NormalizeSpeciesKey folds a species name for case-insensitive comparison.
// Full Unicode case folding handles names like "Grünfink" and "GRÜNFINK".
func NormalizeSpeciesKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// FindSpecies looks up a taxonomy entry by folded common or scientific name
func (ds *DataStore) FindSpecies(ctx context.Context, key string) (*Species, error) {
	if key == "" {
		return nil, notFoundError(ErrSpeciesNotFound, "species", key)
	}
	var sp Species
	err := ds.DB.WithContext(ctx).
		Where("common_name_key = ? OR scientific_name_key = ?", key, key).
		Order("code").
		First(&sp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError(ErrSpeciesNotFound, "species", key)
		}
		return nil, dbError(err, "find_species", "", "key", key)
	}
	return &sp, nil
}

// GetSpecies returns the taxonomy entry for a species code
func (ds *DataStore) GetSpecies(ctx context.Context, code string) (*Species, error) {
	var sp Species
	err := ds.DB.WithContext(ctx).Where("code = ?", code).First(&sp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError(ErrSpeciesNotFound, "species", code)
		}
		return nil, dbError(err, "get_species", "", "code", code)
	}
	return &sp, nil
}

// UpsertSpecies inserts or updates taxonomy entries keyed by code
func (ds *DataStore) UpsertSpecies(ctx context.Context, species []Species) (int64, error) {
	if len(species) == 0 {
		return 0, nil
	}
	for i := range species {
		if species[i].Code == "" {
			return 0, validationError("species code is required", "code", species[i].CommonName)
		}
		species[i].CommonNameKey = NormalizeSpeciesKey(species[i].CommonName)
		species[i].ScientificNameKey = NormalizeSpeciesKey(species[i].ScientificName)
	}

	res := ds.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"common_name", "scientific_name", "common_name_key", "scientific_name_key"}),
	}).CreateInBatches(species, 200)
	if res.Error != nil {
		return 0, dbError(res.Error, "upsert_species", "", "count", len(species))
	}
	return res.RowsAffected, nil
}

// GetSpeciesMedia returns the cached media row for a species code
func (ds *DataStore) GetSpeciesMedia(ctx context.Context, code string) (*SpeciesMedia, error) {
	var media SpeciesMedia
	err := ds.DB.WithContext(ctx).Where("species_code = ?", code).First(&media).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError(ErrMediaNotFound, "species_media", code)
		}
		return nil, dbError(err, "get_species_media", "", "species_code", code)
	}
	return &media, nil
}

// mediaColumns are merged field by field on conflict
var mediaColumns = []string{"image_url", "image_rights", "audio_url", "audio_rights"}

// MergeSpeciesMedia upserts media on species_code. On conflict each column keeps
// its existing non-null value and only takes the incoming value when empty, so
// concurrent resolutions converge and a failed fetch never clears a cached link.
// The merged row is returned.
func (ds *DataStore) MergeSpeciesMedia(ctx context.Context, media *SpeciesMedia) (*SpeciesMedia, error) {
	if media == nil || media.SpeciesCode == "" {
		return nil, validationError("species code is required", "species_code", "")
	}

	set := make(clause.Set, 0, len(mediaColumns)+1)
	for _, col := range mediaColumns {
		set = append(set, clause.Assignment{
			Column: clause.Column{Name: col},
			Value:  gorm.Expr(ds.coalesceExisting(col)),
		})
	}
	set = append(set, clause.Assignment{
		Column: clause.Column{Name: "updated_at"},
		Value:  gorm.Expr(ds.incoming("updated_at")),
	})

	row := *media
	err := ds.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "species_code"}},
		DoUpdates: set,
	}).Create(&row).Error
	if err != nil {
		return nil, dbError(err, "merge_species_media", "", "species_code", media.SpeciesCode)
	}

	merged, err := ds.GetSpeciesMedia(ctx, media.SpeciesCode)
	if err != nil {
		return nil, err
	}
	ds.Logger.Debug("species media merged",
		logger.String("species_code", merged.SpeciesCode),
		logger.Bool("has_image", merged.HasImage()),
		logger.Bool("has_audio", merged.HasAudio()))
	return merged, nil
}

// coalesceExisting returns "keep existing unless null or empty" for the dialect.
// Empty strings count as missing so a blank fetch result never blocks a later fill.
func (ds *DataStore) coalesceExisting(col string) string {
	existing := "NULLIF(species_media." + col + ", '')"
	if ds.dialect() == "mysql" {
		existing = "NULLIF(" + col + ", '')"
	}
	return "COALESCE(" + existing + ", " + ds.incoming(col) + ")"
}

// incoming references the value proposed by the INSERT for the dialect
func (ds *DataStore) incoming(col string) string {
	if ds.dialect() == "mysql" {
		return "VALUES(" + col + ")"
	}
	return "excluded." + col
}

// ListIncompleteMedia returns species seen in detections whose media row is
// missing or lacks the image or the audio link
func (ds *DataStore) ListIncompleteMedia(ctx context.Context, limit int) ([]MediaCandidate, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []MediaCandidate
	err := ds.DB.WithContext(ctx).
		Table("detections AS d").
		Select("d.species_code AS species_code, MIN(d.scientific_name) AS scientific_name").
		Joins("LEFT JOIN species_media m ON m.species_code = d.species_code").
		Where("d.species_code IS NOT NULL").
		Where("m.species_code IS NULL OR m.image_url IS NULL OR m.image_url = '' OR m.audio_url IS NULL OR m.audio_url = ''").
		Group("d.species_code").
		Order("d.species_code").
		Limit(limit).
		Scan(&out).Error
	if err != nil {
		return nil, dbError(err, "list_incomplete_media", "")
	}
	return out, nil
}
