// Package validation checks request input before it reaches the protocol:
// body size, path parameters and simple field rules.
package validation

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies. Encrypted metrics are ten 32-byte
// ciphertexts, so 1MB leaves ample room.
const MaxRequestSize = 1 << 20

// base58Regex rejects obviously malformed wallets before decoding.
var base58Regex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidWallet checks that s is a base58 Solana public key other than the
// all-zero key.
func IsValidWallet(s string) bool {
	if !base58Regex.MatchString(s) {
		return false
	}
	pk, err := solana.PublicKeyFromBase58(s)
	return err == nil && !pk.IsZero()
}

// IsValidOffset checks that s is a computation offset: an unsigned 64-bit
// decimal without sign or leading zeros.
func IsValidOffset(s string) bool {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

// FieldError is one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects field errors; the first one names the error.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Rule checks one field and returns nil when it passes.
type Rule func() *FieldError

// Validate runs every rule and returns the failures.
func Validate(rules ...Rule) Errors {
	var errs Errors
	for _, r := range rules {
		if fe := r(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// Required rejects blank values.
func Required(field, value string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength rejects values longer than n bytes.
func MaxLength(field, value string, n int) Rule {
	return func() *FieldError {
		if len(value) > n {
			return &FieldError{Field: field, Message: "exceeds " + strconv.Itoa(n) + " characters"}
		}
		return nil
	}
}

// AbsoluteURL requires an http(s) URL with a host. Empty values pass; pair
// with Required.
func AbsoluteURL(field, value string) Rule {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &FieldError{Field: field, Message: "must be an absolute http(s) URL"}
		}
		return nil
	}
}

// PathParamsMiddleware rejects malformed :wallet and :offset parameters
// before any handler runs. Routes without them are unaffected.
func PathParamsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if w := c.Param("wallet"); w != "" && !IsValidWallet(w) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_wallet",
				"message": "wallet must be a base58 Solana public key",
			})
			return
		}
		if o := c.Param("offset"); o != "" && !IsValidOffset(o) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_offset",
				"message": "offset must be an unsigned 64-bit decimal",
			})
			return
		}
		c.Next()
	}
}
