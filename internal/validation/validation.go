// Package validation provides input checks shared by the HTTP handlers.
package validation

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsValidAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// NormalizeAddress trims and lowercases an address. Principals are compared
// in this form everywhere.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// WithinBytes reports whether s is at most max bytes long.
// Bounds on stored text are byte lengths, not rune counts.
func WithinBytes(s string, max int) bool {
	return len(s) <= max
}

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors is a collection of field errors
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Check runs each rule and collects the failures.
func Check(rules ...func() *FieldError) FieldErrors {
	var errs FieldErrors
	for _, r := range rules {
		if err := r(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty
func Required(field, value string) func() *FieldError {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// Address checks that a non-empty field is a valid address
func Address(field, value string) func() *FieldError {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		if !IsValidAddress(value) {
			return &FieldError{Field: field, Message: "must be a valid address (0x + 40 hex chars)"}
		}
		return nil
	}
}

// AddressParamMiddleware rejects malformed :address URL parameters early.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be 0x followed by 40 hex chars",
			})
			return
		}
		c.Next()
	}
}
