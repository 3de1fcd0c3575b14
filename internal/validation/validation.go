// Package validation checks host-supplied mutations before they reach the
// queue. Validators collect every failure instead of stopping at the first.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/tether/internal/types"
)

// Limits applied to queued operations.
const (
	MaxEndpointLength = 2048
	MaxIDLength       = 256
	MaxKindLength     = 64
	MaxPayloadBytes   = 1 << 20
	MinPriority       = -100
	MaxPriority       = 100
)

// Methods lists the HTTP methods an operation may use.
var Methods = []string{"GET", "POST", "PUT", "PATCH", "DELETE"}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + " " + e.Message
}

// Errors is returned by operations that reject their input after
// validation. It carries every field failure.
type Errors []ValidationError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.Error()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateText runs the checks every free-form string field gets: valid
// UTF-8, no NUL bytes and at most max runes.
func (c *Collector) ValidateText(field, value string, max int) {
	if err := ValidateUTF8(field, value); err != nil {
		c.Add(err)
		return
	}
	c.Add(ValidateNoNullBytes(field, value))
	c.Add(ValidateMaxLength(field, value, max))
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{Field: field, Message: "must be valid UTF-8"}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{Field: field, Message: "must not contain null bytes"}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateULID returns an error if the value is not a valid ULID format.
// ULIDs are 26 characters using Crockford Base32 (excludes I, L, O, U).
func ValidateULID(field, value string) *ValidationError {
	if len(value) != 26 {
		return &ValidationError{Field: field, Message: "must be a valid ULID (26 characters)"}
	}

	const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	for _, r := range strings.ToUpper(value) {
		if !strings.ContainsRune(crockfordBase32, r) {
			return &ValidationError{Field: field, Message: "must be a valid ULID (invalid character)"}
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateIntRange returns an error if the value is outside [min, max].
func ValidateIntRange(field string, value, min, max int) *ValidationError {
	if value < min || value > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %d and %d", min, max),
		}
	}
	return nil
}

// ValidateEndpoint returns an error unless the value is a path relative to
// the remote base URL.
func ValidateEndpoint(field, value string) *ValidationError {
	if !strings.HasPrefix(value, "/") || strings.HasPrefix(value, "//") {
		return &ValidationError{Field: field, Message: "must be a path starting with a single /"}
	}
	if strings.ContainsAny(value, " \t\r\n") {
		return &ValidationError{Field: field, Message: "must not contain whitespace"}
	}
	return nil
}

// ValidateOperation checks an operation and, when present, the local entity
// it will apply.
func ValidateOperation(op types.PendingOperation, entity *types.Entity) []ValidationError {
	var c Collector

	if op.ID != "" {
		c.Add(ValidateULID("id", op.ID))
	}

	kinds := make([]string, len(types.OperationKinds))
	for i, k := range types.OperationKinds {
		kinds[i] = string(k)
	}
	c.Add(ValidateEnum("kind", string(op.Kind), kinds))
	c.Add(ValidateEnum("method", op.Method, Methods))

	if err := ValidateRequired("endpoint", op.Endpoint); err != nil {
		c.Add(err)
	} else {
		c.ValidateText("endpoint", op.Endpoint, MaxEndpointLength)
		c.Add(ValidateEndpoint("endpoint", op.Endpoint))
	}

	if len(op.Payload) > MaxPayloadBytes {
		c.Add(&ValidationError{
			Field:   "payload",
			Message: fmt.Sprintf("exceeds maximum size of %d bytes", MaxPayloadBytes),
		})
	}

	c.ValidateText("related_entity_id", op.RelatedEntityID, MaxIDLength)
	c.Add(ValidateIntRange("priority", op.Priority, MinPriority, MaxPriority))

	if entity != nil {
		if err := ValidateRequired("entity.id", entity.ID); err != nil {
			c.Add(err)
		} else {
			c.ValidateText("entity.id", entity.ID, MaxIDLength)
		}
		if err := ValidateRequired("entity.kind", entity.Kind); err != nil {
			c.Add(err)
		} else {
			c.ValidateText("entity.kind", entity.Kind, MaxKindLength)
		}
		if op.RelatedEntityID != "" && entity.ID != "" && op.RelatedEntityID != entity.ID {
			c.Add(&ValidationError{Field: "related_entity_id", Message: "must match entity.id"})
		}
	}

	return c.Errors()
}
