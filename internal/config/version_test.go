package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	if err := ValidateVersion(CurrentVersion); err != nil {
		t.Fatalf("ValidateVersion(current) error = %v", err)
	}

	err := ValidateVersion(CurrentVersion + 1)
	var verr *VersionError
	if !errors.As(err, &verr) {
		t.Fatalf("expected VersionError, got %T", err)
	}
	if !strings.Contains(err.Error(), "newer than this build") {
		t.Errorf("unexpected message %q", err.Error())
	}

	if err := ValidateVersion(-1); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Errorf("ValidateVersion(-1) = %v", err)
	}
}

func TestVersionErrorNilReceiver(t *testing.T) {
	var err *VersionError
	if err.Error() != "" {
		t.Errorf("nil VersionError should render empty")
	}
}
