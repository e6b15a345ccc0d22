// Package validation provides input validation for the facilitator API.
package validation

import (
	"math/big"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB). A settlement
// payload is well under 1KB.
const MaxRequestSize = 64 << 10

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// ethAddressRegex validates Ethereum addresses
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// hexRegex validates hex strings (for signatures, etc)
	hexRegex = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
	// bytes32Regex validates nonces, r, s and transaction hashes
	bytes32Regex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	// apiKeyRegex validates tenant API keys
	apiKeyRegex = regexp.MustCompile(`^p402_[A-Za-z0-9]{32,}$`)
	uintRegex   = regexp.MustCompile(`^[0-9]+$`)
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidHex checks if a string is valid hex
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// IsValidBytes32 checks for a 0x-prefixed 32-byte hex value.
func IsValidBytes32(s string) bool {
	return bytes32Regex.MatchString(s)
}

// IsValidAPIKey checks the shape of a raw API key.
func IsValidAPIKey(s string) bool {
	return apiKeyRegex.MatchString(s)
}

// IsValidUint256 checks for a base-10 unsigned integer that fits in 256 bits.
func IsValidUint256(s string) bool {
	if !uintRegex.MatchString(s) || len(s) > 78 {
		return false
	}
	n, ok := new(big.Int).SetString(s, 10)
	return ok && n.Cmp(maxUint256) <= 0
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks if a field is a valid Ethereum address
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// ValidBytes32 checks if a field is a 0x-prefixed 32-byte hex value.
func ValidBytes32(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidBytes32(value) {
			return &ValidationError{Field: field, Message: "must be 0x followed by 64 hex characters"}
		}
		return nil
	}
}

// ValidUint256 checks if a field is a base-10 uint256.
func ValidUint256(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidUint256(value) {
			return &ValidationError{Field: field, Message: "must be a base-10 unsigned integer"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// TxHashParamMiddleware validates the :txHash URL parameter on routes that
// use it.
func TxHashParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		hash := c.Param("txHash")
		if hash != "" && !IsValidBytes32(hash) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "txHash must be 0x followed by 64 hex characters",
				"code":    "INVALID_TX_HASH",
			})
			return
		}
		c.Next()
	}
}
