package validation

import (
	"fmt"
	"net/url"
	"unicode/utf8"
)

const (
	MaxFullNameLength = 80
	MaxBioLength      = 160
)

// ValidateFullName bounds the display name.
func ValidateFullName(name string) error {
	if utf8.RuneCountInString(name) > MaxFullNameLength {
		return fmt.Errorf("full name must not exceed %d characters", MaxFullNameLength)
	}
	return nil
}

// ValidateBio bounds the profile bio.
func ValidateBio(bio string) error {
	if utf8.RuneCountInString(bio) > MaxBioLength {
		return fmt.Errorf("bio must not exceed %d characters", MaxBioLength)
	}
	return nil
}

// ValidateImageURL accepts an empty value or an absolute http(s) URL.
func ValidateImageURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("image must be an http or https URL")
	}
	return nil
}
