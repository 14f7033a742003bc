package handlerutils

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/authrelay/authrelay/pkg/types"
)

// JSON writes obj as a JSON response with the given status code.
func JSON(w http.ResponseWriter, statusCode int, obj any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if obj == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

// Error writes an OAuth error body with the given status code.
func Error(w http.ResponseWriter, statusCode int, code, description string) {
	JSON(w, statusCode, types.OAuthError{
		Error:            code,
		ErrorDescription: description,
	})
}

// GetClientIP extracts the client IP from the X-Forwarded-For and X-Real-IP
// headers, falling back to RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if colonIndex := strings.LastIndex(ip, ":"); colonIndex != -1 {
		ip = ip[:colonIndex]
	}
	return ip
}

// GetBaseURL returns the request URL without the path, inferring the scheme
// from the TLS state and the X-Forwarded-Proto header.
func GetBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

// BaseURL returns the configured public base URL when set, otherwise the
// base URL inferred from the request.
func BaseURL(r *http.Request, publicURL string) string {
	if publicURL != "" {
		return strings.TrimSuffix(publicURL, "/")
	}
	return GetBaseURL(r)
}
