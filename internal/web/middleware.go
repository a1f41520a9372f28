package web

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Shugur-Network/relaymux/internal/logger"
	"go.uber.org/zap"
)

// SecurityHeaders defines the security headers to be applied to responses
type SecurityHeaders struct {
	CSP                 string
	XFrameOptions       string
	XContentTypeOptions string
	ReferrerPolicy      string
}

// APISecurityHeaders returns the headers for JSON endpoints. Nothing served
// here needs scripts, styles or framing.
func APISecurityHeaders() *SecurityHeaders {
	return &SecurityHeaders{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XFrameOptions:       "DENY",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "no-referrer",
	}
}

// Apply applies the security headers directly to a ResponseWriter
func (sh *SecurityHeaders) Apply(w http.ResponseWriter) {
	set := func(name, value string) {
		if value != "" {
			w.Header().Set(name, value)
		}
	}
	set("Content-Security-Policy", sh.CSP)
	set("X-Frame-Options", sh.XFrameOptions)
	set("X-Content-Type-Options", sh.XContentTypeOptions)
	set("Referrer-Policy", sh.ReferrerPolicy)
}

// SecurityMiddleware wraps an http.Handler with security headers
func SecurityMiddleware(headers *SecurityHeaders) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			headers.Apply(w)
			next.ServeHTTP(w, r)
		})
	}
}

// InputValidation bounds what a request may carry before any handler sees it.
type InputValidation struct {
	MaxPathLength      int
	MaxQueryLength     int
	MaxHeaderLength    int
	AllowedQueryParams map[string]bool
	PathPatterns       []*regexp.Regexp
}

// APIInputValidation returns the validation rules for the JSON endpoints
func APIInputValidation() *InputValidation {
	return &InputValidation{
		MaxPathLength:   1024,
		MaxQueryLength:  1024,
		MaxHeaderLength: 4096,
		AllowedQueryParams: map[string]bool{
			"sort":  true,
			"ready": true,
		},
		PathPatterns: []*regexp.Regexp{
			regexp.MustCompile(`^/api/stats$`),
			regexp.MustCompile(`^/api/relays$`),
			regexp.MustCompile(`^/health$`),
		},
	}
}

// ValidateRequest validates an HTTP request against the input validation rules
func (iv *InputValidation) ValidateRequest(r *http.Request) error {
	if len(r.URL.Path) > iv.MaxPathLength {
		return &ValidationError{Type: "path_length", Message: "Request path too long", Field: "url_path"}
	}
	if len(r.URL.RawQuery) > iv.MaxQueryLength {
		return &ValidationError{Type: "query_length", Message: "Query string too long", Field: "query_string"}
	}

	pathValid := false
	for _, pattern := range iv.PathPatterns {
		if pattern.MatchString(r.URL.Path) {
			pathValid = true
			break
		}
	}
	if !pathValid {
		return &ValidationError{Type: "invalid_path", Message: "Invalid request path", Field: "url_path", Value: r.URL.Path}
	}

	if len(iv.AllowedQueryParams) > 0 {
		queryValues := r.URL.Query()
		for param := range queryValues {
			if !iv.AllowedQueryParams[param] {
				return &ValidationError{
					Type:    "invalid_query_param",
					Message: "Invalid query parameter",
					Field:   param,
					Value:   queryValues.Get(param),
				}
			}
		}
	}

	for name, values := range r.Header {
		for _, value := range values {
			if len(value) > iv.MaxHeaderLength {
				return &ValidationError{Type: "header_length", Message: "Header value too long", Field: name}
			}
		}
	}

	for _, headerName := range []string{"Host", "X-Forwarded-For", "User-Agent", "Referer"} {
		if headerValue := r.Header.Get(headerName); headerValue != "" {
			if err := validateHeaderValue(headerName, headerValue); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidationError represents an input validation error
type ValidationError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Field   string `json:"field"`
	Value   string `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

// validateHeaderValue checks header values for injection patterns
func validateHeaderValue(name, value string) error {
	if !utf8.ValidString(value) {
		return &ValidationError{Type: "invalid_encoding", Message: "Invalid character encoding in header", Field: name}
	}
	if strings.ContainsAny(value, "\x00\r\n") {
		return &ValidationError{Type: "header_injection", Message: "Potential header injection detected", Field: name}
	}

	switch name {
	case "Host":
		if strings.ContainsAny(value, " \t<>\"'") {
			return &ValidationError{Type: "invalid_host", Message: "Invalid characters in Host header", Field: name}
		}
	case "User-Agent":
		if len(value) > 1024 {
			return &ValidationError{Type: "user_agent_length", Message: "User-Agent header too long", Field: name}
		}
	}
	return nil
}

// SanitizeQueryParam sanitizes a query parameter value
func SanitizeQueryParam(param string) string {
	decoded, err := url.QueryUnescape(param)
	if err != nil {
		return ""
	}

	// printable ASCII and tab only
	sanitized := strings.Map(func(r rune) rune {
		if r >= 32 && r <= 126 || r == '\t' {
			return r
		}
		return -1
	}, decoded)

	sanitized = strings.TrimSpace(sanitized)
	if len(sanitized) > 256 {
		sanitized = sanitized[:256]
	}
	return sanitized
}

// ValidationMiddleware wraps an http.Handler with input validation
func ValidationMiddleware(validation *InputValidation) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := validation.ValidateRequest(r); err != nil {
				if validationErr, ok := err.(*ValidationError); ok {
					logger.Warn("Input validation failed",
						zap.String("type", validationErr.Type),
						zap.String("field", validationErr.Field),
						zap.String("client_ip", r.RemoteAddr),
						zap.String("path", r.URL.Path),
						zap.String("user_agent", r.Header.Get("User-Agent")),
					)
				}
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecureValidatedAPIHandler combines API security headers with input
// validation.
func SecureValidatedAPIHandler(next http.Handler) http.Handler {
	return SecurityMiddleware(APISecurityHeaders())(ValidationMiddleware(APIInputValidation())(next))
}
