package wiki

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidPageID indicates that a page identifier is empty or exceeds storage bounds.
	ErrInvalidPageID = errors.New("wiki: invalid page id")
	// ErrInvalidProjectID indicates that a project identifier is empty or exceeds storage bounds.
	ErrInvalidProjectID = errors.New("wiki: invalid project id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("wiki: invalid user id")
)

// PageID represents a validated wiki page identifier.
type PageID string

// NewPageID validates raw input and returns a PageID.
func NewPageID(rawInput string) (PageID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidPageID)
	return PageID(trimmed), err
}

// String returns the underlying string identifier.
func (id PageID) String() string {
	return string(id)
}

// ProjectID represents a validated project identifier.
type ProjectID string

// NewProjectID validates raw input and returns a ProjectID.
func NewProjectID(rawInput string) (ProjectID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidProjectID)
	return ProjectID(trimmed), err
}

// String returns the underlying string identifier.
func (id ProjectID) String() string {
	return string(id)
}

// UserID represents a validated, already authenticated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidUserID)
	return UserID(trimmed), err
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// IDProvider issues identifiers for newly created pages.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
