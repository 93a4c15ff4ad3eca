package models

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// BusinessProfile is the immutable input of one analysis run. It is
// validated once at the trigger endpoint and never mutated by stages.
type BusinessProfile struct {
	Industry        string   `json:"industry" binding:"required" validate:"required"`
	ProductName     string   `json:"product_name" binding:"required" validate:"required"`
	RawMaterials    string   `json:"raw_materials" binding:"required" validate:"required"`
	Processes       []string `json:"processes,omitempty"`
	EmployeeCount   int      `json:"employee_count" binding:"required,gt=0" validate:"required,gt=0"`
	SalesChannels   []string `json:"sales_channels,omitempty"`
	ExportCountries []string `json:"export_countries,omitempty"`
	ContactEmail    string   `json:"contact_email,omitempty" validate:"omitempty,email"`
}

var profileValidator = validator.New()

// Validate reports the first invalid field as a validation fault with
// field-level detail. A profile that fails here never starts a pipeline.
func (p *BusinessProfile) Validate() error {
	if err := profileValidator.Struct(p); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, verr := range verrs {
				fields = append(fields, verr.Field())
			}
		}
		return NewValidationError("INVALID_BUSINESS_PROFILE", "business profile validation failed").
			WithCause(err).
			WithMetadata("fields", strings.Join(fields, ","))
	}
	return nil
}
