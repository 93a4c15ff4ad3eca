package models_test

import (
	"errors"
	"strings"
	"testing"

	"regtech-pipeline/internal/models"
)

func TestProfileValidateAccepts(t *testing.T) {
	profile := testProfile()
	if err := profile.Validate(); err != nil {
		t.Errorf("Expected valid profile, got %v", err)
	}
}

func TestProfileValidateMissingFields(t *testing.T) {
	profile := models.BusinessProfile{Industry: "배터리 제조"}

	err := profile.Validate()
	if err == nil {
		t.Fatal("Expected validation error for missing fields")
	}

	var appErr *models.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("Expected AppError, got %T", err)
	}
	if appErr.Kind != models.KindValidation {
		t.Errorf("Expected validation kind, got %s", appErr.Kind)
	}

	fields, _ := appErr.Metadata["fields"].(string)
	if !strings.Contains(fields, "ProductName") {
		t.Errorf("Expected ProductName in invalid fields, got %q", fields)
	}
}

func TestProfileValidateEmployeeCount(t *testing.T) {
	profile := testProfile()
	profile.EmployeeCount = 0

	if err := profile.Validate(); err == nil {
		t.Error("Expected validation error for zero employee count")
	}
}

func TestProfileValidateContactEmail(t *testing.T) {
	profile := testProfile()
	profile.ContactEmail = "not-an-email"

	if err := profile.Validate(); err == nil {
		t.Error("Expected validation error for malformed contact email")
	}

	profile.ContactEmail = "owner@example.com"
	if err := profile.Validate(); err != nil {
		t.Errorf("Expected valid email to pass, got %v", err)
	}
}
