// Package register implements RFC 7591 dynamic client registration.
// Registration is open: any caller can mint a client identity, so nothing
// else in the broker treats client identity alone as a security boundary.
package register

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/authrelay/authrelay/pkg/encryption"
	"github.com/authrelay/authrelay/pkg/handlerutils"
	"github.com/authrelay/authrelay/pkg/types"
)

type ClientStore interface {
	StoreClient(client *types.Client) error
}

type Handler struct {
	db ClientStore
}

func NewHandler(db ClientStore) http.Handler {
	return &Handler{
		db: db,
	}
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Cap the request body at 1MB.
	if r.ContentLength > 1024*1024 {
		handlerutils.Error(w, http.StatusRequestEntityTooLarge, "invalid_request",
			"Request payload too large, must be under 1 MiB")
		return
	}

	var metadata map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, 1024*1024)).Decode(&metadata); err != nil {
		handlerutils.Error(w, http.StatusBadRequest, "invalid_request", "Invalid JSON payload")
		return
	}

	clientName, redirectURIs, err := validateClientMetadata(metadata)
	if err != nil {
		handlerutils.Error(w, http.StatusBadRequest, "invalid_client_metadata", err.Error())
		return
	}

	client := &types.Client{
		ClientID:     encryption.GenerateRandomString(16),
		ClientSecret: encryption.GenerateRandomString(32),
		ClientName:   clientName,
		RedirectURIs: redirectURIs,
	}

	if err := p.db.StoreClient(client); err != nil {
		log.Printf("Failed to store client: %v", err)
		handlerutils.Error(w, http.StatusInternalServerError, "server_error", "Failed to register client")
		return
	}

	handlerutils.JSON(w, http.StatusCreated, types.ClientInfo{
		ClientID:         client.ClientID,
		ClientSecret:     client.ClientSecret,
		ClientName:       client.ClientName,
		RedirectURIs:     client.RedirectURIs,
		ClientIDIssuedAt: time.Now().Unix(),
	})
}

func validateClientMetadata(metadata map[string]any) (clientName string, redirectURIs []string, err error) {
	if name, ok := metadata["client_name"]; ok && name != nil {
		str, ok := name.(string)
		if !ok {
			return "", nil, fmt.Errorf("field client_name must be a string")
		}
		clientName = str
	}

	raw, ok := metadata["redirect_uris"]
	if !ok || raw == nil {
		return "", nil, fmt.Errorf("redirect_uris is required")
	}
	array, ok := raw.([]any)
	if !ok {
		return "", nil, fmt.Errorf("field redirect_uris must be an array")
	}
	if len(array) == 0 {
		return "", nil, fmt.Errorf("at least one redirect URI is required")
	}

	redirectURIs = make([]string, len(array))
	for i, item := range array {
		str, ok := item.(string)
		if !ok {
			return "", nil, fmt.Errorf("all elements in redirect_uris must be strings")
		}
		redirectURIs[i] = str
	}

	return clientName, redirectURIs, nil
}
