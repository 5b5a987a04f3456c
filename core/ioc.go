package core

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

// IOCType represents the type of indicator of compromise. The type selects
// which indexed-event fields the hunting stage targets.
type IOCType string

const (
	IOCTypeIP       IOCType = "ip"
	IOCTypeDomain   IOCType = "domain"
	IOCTypeHash     IOCType = "hash" // MD5, SHA1, SHA256
	IOCTypeURL      IOCType = "url"
	IOCTypeFilename IOCType = "filename"
	IOCTypeUsername IOCType = "username"
	IOCTypeCommand  IOCType = "command"
)

// AllIOCTypes returns all valid IOC types for validation
var AllIOCTypes = []IOCType{
	IOCTypeIP, IOCTypeDomain, IOCTypeHash, IOCTypeURL,
	IOCTypeFilename, IOCTypeUsername, IOCTypeCommand,
}

// IsValid checks if the IOC type is valid
func (t IOCType) IsValid() bool {
	for _, valid := range AllIOCTypes {
		if t == valid {
			return true
		}
	}
	return false
}

var (
	hashPattern   = regexp.MustCompile(`^[a-fA-F0-9]{32}$|^[a-fA-F0-9]{40}$|^[a-fA-F0-9]{64}$`)
	domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)
)

// IOC is one typed indicator attached to a case. Indicators are case-scoped:
// the hunting stage never matches one case's indicators against another
// case's events.
type IOC struct {
	ID          string    `json:"id"`
	CaseID      string    `json:"case_id"`
	Type        IOCType   `json:"type"`
	Value       string    `json:"value"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the indicator value against its declared type.
func (i *IOC) Validate() error {
	if i.CaseID == "" {
		return fmt.Errorf("ioc missing case id")
	}
	value := strings.TrimSpace(i.Value)
	if value == "" {
		return fmt.Errorf("ioc value is empty")
	}
	switch i.Type {
	case IOCTypeIP:
		if net.ParseIP(value) == nil {
			return fmt.Errorf("invalid IP address: %s", value)
		}
	case IOCTypeDomain:
		if !domainPattern.MatchString(value) {
			return fmt.Errorf("invalid domain: %s", value)
		}
	case IOCTypeHash:
		if !hashPattern.MatchString(value) {
			return fmt.Errorf("invalid hash (expected MD5, SHA1 or SHA256 hex): %s", value)
		}
	case IOCTypeURL, IOCTypeFilename, IOCTypeUsername, IOCTypeCommand:
		// Free-form; length bound only.
		if len(value) > 2048 {
			return fmt.Errorf("ioc value exceeds 2048 characters")
		}
	default:
		return fmt.Errorf("unknown ioc type: %s", i.Type)
	}
	return nil
}

// NormalizedValue returns the comparison form of the indicator value. Hashes
// and domains compare case-insensitively.
func (i *IOC) NormalizedValue() string {
	value := strings.TrimSpace(i.Value)
	switch i.Type {
	case IOCTypeHash, IOCTypeDomain:
		return strings.ToLower(value)
	}
	return value
}

// IOCMatch is one indicator hit against one indexed event. Matches are
// created only by the hunting stage and cleared wholesale on re-hunt. The
// matched field is recorded explicitly for display and audit.
type IOCMatch struct {
	ID           string    `json:"id"`
	CaseID       string    `json:"case_id"`
	FileID       string    `json:"file_id"`
	EventID      string    `json:"event_id"`
	IOCID        string    `json:"ioc_id"`
	IOCType      IOCType   `json:"ioc_type"`
	IOCValue     string    `json:"ioc_value"`
	MatchedField string    `json:"matched_field"`
	CreatedAt    time.Time `json:"created_at"`
}
