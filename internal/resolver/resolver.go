// Package resolver matches raw vehicle specifications to canonical Version
// entities, creating new ones when no compatible candidate exists and
// enriching stored ones additively when the incoming record knows more.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HugoAlexis/car-scraping/internal/storage"
)

// Spec is the raw vehicle specification extracted from one listing. Brand,
// model, version name and year are mandatory; everything else may be absent.
type Spec struct {
	Brand              string
	Model              string
	VersionName        string
	Year               int
	BodyStyle          *string
	EngineDisplacement *string
	TransmissionType   *string
	Detail             *storage.VersionDetail
}

// Validate checks the mandatory identity fields.
func (s *Spec) Validate() error {
	if Normalize(s.Brand) == "" || Normalize(s.Model) == "" || Normalize(s.VersionName) == "" {
		return fmt.Errorf("%w: brand, model and version name are mandatory", storage.ErrMalformedSpec)
	}
	if s.Year < 1900 || s.Year > 2100 {
		return fmt.Errorf("%w: implausible production year %d", storage.ErrMalformedSpec, s.Year)
	}
	return nil
}

// IdentityKey returns the normalized identity key of the spec.
func (s *Spec) IdentityKey() string {
	return IdentityKey(s.Brand, s.Model, s.VersionName, s.Year)
}

// Normalize folds case and collapses runs of whitespace, so that
// " Chevrolet  AVEO " and "chevrolet aveo" compare equal.
func Normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// IdentityKey builds the normalized lookup key for a version identity tuple.
func IdentityKey(brand, model, versionName string, year int) string {
	return fmt.Sprintf("%s|%s|%s|%d", Normalize(brand), Normalize(model), Normalize(versionName), year)
}

// Resolver matches or creates canonical Versions inside a caller-owned
// transaction. The caller must hold the identity-key lock for the spec.
type Resolver struct {
	log *slog.Logger
}

// New creates a Resolver.
func New(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{log: logger}
}

// Resolve returns the ID of the canonical Version for the spec, creating one
// when no stored candidate is compatible. Stored candidates are enriched
// additively with any field the spec supplies that they lack; a stored value
// is never overwritten or narrowed.
func (r *Resolver) Resolve(ctx context.Context, tx storage.Tx, spec *Spec) (versionID string, created bool, err error) {
	if err := spec.Validate(); err != nil {
		return "", false, err
	}

	key := spec.IdentityKey()
	candidates, err := tx.VersionsByIdentity(ctx, key)
	if err != nil {
		return "", false, err
	}

	var compatible []*storage.Version
	for _, c := range candidates {
		if compatibleWith(c, spec) {
			compatible = append(compatible, c)
		}
	}

	if len(compatible) == 0 {
		v, err := r.create(ctx, tx, spec, key)
		if err != nil {
			return "", false, err
		}
		return v.ID, true, nil
	}

	match := compatible[0]
	if len(compatible) > 1 {
		// Earlier enrichment diverged and left more than one compatible
		// candidate. Prefer the most complete detail record and surface
		// the ambiguity for offline review instead of merging silently.
		for _, c := range compatible[1:] {
			if c.Detail.Completeness() > match.Detail.Completeness() {
				match = c
			}
		}
		r.log.Warn("multiple compatible versions", "identity_key", key, "candidates", len(compatible), "chosen", match.ID)
		flag := &storage.ReviewFlag{
			ID:        uuid.New().String(),
			Kind:      storage.FlagPossibleDuplicateVersion,
			SubjectID: match.ID,
			Note:      fmt.Sprintf("%d compatible versions for identity %q", len(compatible), key),
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.InsertReviewFlag(ctx, flag); err != nil {
			return "", false, err
		}
	}

	if err := r.enrich(ctx, tx, match, spec); err != nil {
		return "", false, err
	}
	return match.ID, false, nil
}

func (r *Resolver) create(ctx context.Context, tx storage.Tx, spec *Spec, key string) (*storage.Version, error) {
	v := &storage.Version{
		ID:                 uuid.New().String(),
		Brand:              strings.TrimSpace(spec.Brand),
		Model:              strings.TrimSpace(spec.Model),
		VersionName:        strings.TrimSpace(spec.VersionName),
		Year:               spec.Year,
		BodyStyle:          normPtr(spec.BodyStyle),
		EngineDisplacement: normPtr(spec.EngineDisplacement),
		TransmissionType:   normPtr(spec.TransmissionType),
		IdentityKey:        key,
		CreatedAt:          time.Now().UTC(),
		Detail:             spec.Detail,
	}
	if err := tx.InsertVersion(ctx, v); err != nil {
		return nil, err
	}
	r.log.Debug("created version", "id", v.ID, "identity_key", key)
	return v, nil
}

// enrich fills absent fields of the matched Version from the spec. Core
// compatibility fields and detail fields follow the same rule: nil may
// become a value, a value never changes.
func (r *Resolver) enrich(ctx context.Context, tx storage.Tx, v *storage.Version, spec *Spec) error {
	coreChanged := false
	if v.BodyStyle == nil && spec.BodyStyle != nil {
		v.BodyStyle = normPtr(spec.BodyStyle)
		coreChanged = true
	}
	if v.EngineDisplacement == nil && spec.EngineDisplacement != nil {
		v.EngineDisplacement = normPtr(spec.EngineDisplacement)
		coreChanged = true
	}
	if v.TransmissionType == nil && spec.TransmissionType != nil {
		v.TransmissionType = normPtr(spec.TransmissionType)
		coreChanged = true
	}
	if coreChanged {
		if err := tx.UpdateVersion(ctx, v); err != nil {
			return err
		}
	}

	if spec.Detail == nil {
		return nil
	}
	if v.Detail == nil {
		v.Detail = &storage.VersionDetail{VersionID: v.ID}
	}
	if MergeDetail(v.Detail, spec.Detail) {
		v.Detail.VersionID = v.ID
		if err := tx.UpsertVersionDetail(ctx, v.Detail); err != nil {
			return err
		}
		r.log.Debug("enriched version detail", "id", v.ID)
	}
	return nil
}

// MergeDetail copies every field that src knows and dst does not, reporting
// whether dst changed. Fields dst already holds are left untouched even when
// src disagrees: the merge is additive, never destructive.
func MergeDetail(dst, src *storage.VersionDetail) bool {
	changed := false
	mergeStr := func(d **string, s *string) {
		if *d == nil && s != nil {
			*d = s
			changed = true
		}
	}
	mergeInt := func(d **int, s *int) {
		if *d == nil && s != nil {
			*d = s
			changed = true
		}
	}
	mergeBool := func(d **bool, s *bool) {
		if *d == nil && s != nil {
			*d = s
			changed = true
		}
	}

	mergeStr(&dst.MileageClass, src.MileageClass)
	mergeInt(&dst.Cylinders, src.Cylinders)
	mergeInt(&dst.Gears, src.Gears)
	mergeStr(&dst.FuelRange, src.FuelRange)
	mergeStr(&dst.EngineType, src.EngineType)
	mergeStr(&dst.FuelType, src.FuelType)
	mergeInt(&dst.Horsepower, src.Horsepower)
	mergeInt(&dst.WheelSize, src.WheelSize)
	mergeStr(&dst.WheelMaterial, src.WheelMaterial)
	mergeInt(&dst.Doors, src.Doors)
	mergeInt(&dst.Passengers, src.Passengers)
	mergeInt(&dst.Airbags, src.Airbags)
	mergeBool(&dst.ABS, src.ABS)
	mergeBool(&dst.StabilityControl, src.StabilityControl)
	mergeBool(&dst.AirConditioning, src.AirConditioning)
	if dst.WeightKG == nil && src.WeightKG != nil {
		dst.WeightKG = src.WeightKG
		changed = true
	}
	return changed
}

// compatibleWith reports whether the stored candidate can represent the
// spec: each compatibility field must be equal after normalization, or
// absent on at least one side.
func compatibleWith(v *storage.Version, spec *Spec) bool {
	return fieldCompatible(v.BodyStyle, spec.BodyStyle) &&
		fieldCompatible(v.EngineDisplacement, spec.EngineDisplacement) &&
		fieldCompatible(v.TransmissionType, spec.TransmissionType)
}

func fieldCompatible(stored, incoming *string) bool {
	if stored == nil || incoming == nil {
		return true
	}
	return Normalize(*stored) == Normalize(*incoming)
}

func normPtr(s *string) *string {
	if s == nil {
		return nil
	}
	n := Normalize(*s)
	if n == "" {
		return nil
	}
	return &n
}
