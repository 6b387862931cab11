package ingest

import (
	"github.com/HugoAlexis/car-scraping/internal/resolver"
	"github.com/HugoAlexis/car-scraping/internal/storage"
)

// RawRecord is the unit emitted by a site scraper: one vehicle observation
// with its raw specification, price and labels, keyed by a site-scoped
// identifier. Absent optional fields mean "unknown", never zero or false.
type RawRecord struct {
	Website        string         `json:"website" validate:"required"`
	SiteIdentifier string         `json:"siteIdentifier" validate:"required"`
	RawSpec        RawSpec        `json:"rawSpec"`
	Price          *int64         `json:"price,omitempty"`
	Labels         *string        `json:"labels,omitempty"`
	ImageURL       *string        `json:"imageUrl,omitempty"`
	Enrichment     *RawEnrichment `json:"enrichment,omitempty"`
}

// RawSpec carries the vehicle specification fields scraped from the page.
type RawSpec struct {
	Brand              string     `json:"brand" validate:"required"`
	Model              string     `json:"model" validate:"required"`
	VersionName        string     `json:"versionName" validate:"required"`
	Year               int        `json:"year" validate:"required,gte=1900,lte=2100"`
	BodyStyle          *string    `json:"bodyStyle,omitempty"`
	EngineDisplacement *string    `json:"engineDisplacement,omitempty"`
	TransmissionType   *string    `json:"transmissionType,omitempty"`
	Detail             *RawDetail `json:"detail,omitempty"`
}

// RawDetail carries the optional extended specification.
type RawDetail struct {
	MileageClass     *string  `json:"mileageClass,omitempty"`
	Cylinders        *int     `json:"cylinders,omitempty"`
	Gears            *int     `json:"gears,omitempty"`
	FuelRange        *string  `json:"fuelRange,omitempty"`
	EngineType       *string  `json:"engineType,omitempty"`
	FuelType         *string  `json:"fuelType,omitempty"`
	Horsepower       *int     `json:"horsepower,omitempty"`
	WheelSize        *int     `json:"wheelSize,omitempty"`
	WheelMaterial    *string  `json:"wheelMaterial,omitempty"`
	Doors            *int     `json:"doors,omitempty"`
	Passengers       *int     `json:"passengers,omitempty"`
	Airbags          *int     `json:"airbags,omitempty"`
	ABS              *bool    `json:"abs,omitempty"`
	StabilityControl *bool    `json:"stabilityControl,omitempty"`
	AirConditioning  *bool    `json:"airConditioning,omitempty"`
	WeightKG         *float64 `json:"weightKg,omitempty"`
}

// RawEnrichment carries per-listing snapshot fields collected alongside the
// specification.
type RawEnrichment struct {
	City       *string `json:"city,omitempty"`
	Odometer   *int    `json:"odometer,omitempty"`
	ImagePath  *string `json:"imagePath,omitempty"`
	ReportPath *string `json:"reportPath,omitempty"`
}

// spec converts the raw fields into the resolver's input.
func (r *RawRecord) spec() *resolver.Spec {
	s := &resolver.Spec{
		Brand:              r.RawSpec.Brand,
		Model:              r.RawSpec.Model,
		VersionName:        r.RawSpec.VersionName,
		Year:               r.RawSpec.Year,
		BodyStyle:          r.RawSpec.BodyStyle,
		EngineDisplacement: r.RawSpec.EngineDisplacement,
		TransmissionType:   r.RawSpec.TransmissionType,
	}
	if d := r.RawSpec.Detail; d != nil {
		s.Detail = &storage.VersionDetail{
			MileageClass:     d.MileageClass,
			Cylinders:        d.Cylinders,
			Gears:            d.Gears,
			FuelRange:        d.FuelRange,
			EngineType:       d.EngineType,
			FuelType:         d.FuelType,
			Horsepower:       d.Horsepower,
			WheelSize:        d.WheelSize,
			WheelMaterial:    d.WheelMaterial,
			Doors:            d.Doors,
			Passengers:       d.Passengers,
			Airbags:          d.Airbags,
			ABS:              d.ABS,
			StabilityControl: d.StabilityControl,
			AirConditioning:  d.AirConditioning,
			WeightKG:         d.WeightKG,
		}
	}
	return s
}
