package api

import (
	"encoding/json"
	"net/http"

	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// CreateImageRequest is the JSON body for POST /api/v1/images.
type CreateImageRequest struct {
	Identifier       string   `json:"identifier"`
	MachineID        string   `json:"machine_id"`
	CloudConnectorID string   `json:"cloud_connector_id"`
	PoolSize         int      `json:"pool_size"`
	Tags             []string `json:"tags,omitempty"`
}

// UpdateImageRequest is the JSON body for PUT /api/v1/images/{imageID}.
// Nil fields are left unchanged.
type UpdateImageRequest struct {
	PoolSize *int     `json:"pool_size,omitempty"`
	Status   *string  `json:"status,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// UpsertScriptRequest is the JSON body for PUT /api/v1/images/{imageID}/scripts/{event}.
type UpsertScriptRequest struct {
	Body string `json:"body"`
}

// CreateMachineRequest is the JSON body for POST /api/v1/machines.
type CreateMachineRequest struct {
	InstanceType string `json:"instance_type"`
	CPU          int    `json:"cpu"`
	MemoryMB     int    `json:"memory_mb"`
}

// CreateConnectorRequest is the JSON body for POST /api/v1/connectors.
// Credentials arrive in the clear over TLS and are encrypted before storage.
type CreateConnectorRequest struct {
	Provider  string `json:"provider"`
	Region    string `json:"region"`
	Tag       string `json:"tag"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

// ConnectorEncryptor encrypts connector credentials before they reach the
// store. Implemented by the secrets codec.
type ConnectorEncryptor interface {
	Encrypt(plaintext string) (string, error)
}

// MountImageRoutes registers image, machine, and connector admin endpoints.
func MountImageRoutes(r chi.Router, srv *Server) {
	r.Post("/images", srv.HandleCreateImage)
	r.Get("/images", srv.HandleListImages)
	r.Get("/images/{imageID}", srv.HandleGetImage)
	r.Put("/images/{imageID}", srv.HandleUpdateImage)
	r.Delete("/images/{imageID}", srv.HandleDeleteImage)
	r.Get("/images/{imageID}/scripts", srv.HandleListScripts)
	r.Put("/images/{imageID}/scripts/{event}", srv.HandleUpsertScript)

	r.Post("/machines", srv.HandleCreateMachine)
	r.Get("/machines", srv.HandleListMachines)

	r.Post("/connectors", srv.HandleCreateConnector)
	r.Get("/connectors", srv.HandleListConnectors)
	r.Post("/connectors/{connectorID}/validate", srv.HandleValidateConnector)
}

// HandleCreateImage registers a VM image for allocation and pooling.
func (s *Server) HandleCreateImage(w http.ResponseWriter, r *http.Request) {
	var req CreateImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Identifier == "" || req.MachineID == "" || req.CloudConnectorID == "" {
		errorJSON(w, "identifier, machine_id, and cloud_connector_id are required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.PoolSize < 0 {
		errorJSON(w, "pool_size must not be negative", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	machineID, err := uuid.Parse(req.MachineID)
	if err != nil {
		errorJSON(w, "machine_id must be a valid UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	connectorID, err := uuid.Parse(req.CloudConnectorID)
	if err != nil {
		errorJSON(w, "cloud_connector_id must be a valid UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	if _, err := s.Images.GetMachine(r.Context(), machineID); err != nil {
		domainError(w, err)
		return
	}
	if _, err := s.Connectors.GetConnector(r.Context(), connectorID); err != nil {
		domainError(w, err)
		return
	}

	img := &domain.Image{
		Identifier:       req.Identifier,
		MachineID:        machineID,
		CloudConnectorID: connectorID,
		PoolSize:         req.PoolSize,
		Status:           domain.ImageStatusActive,
		Tags:             req.Tags,
	}
	if err := s.Images.CreateImage(r.Context(), img); err != nil {
		internalError(w, "internal error", err)
		return
	}
	writeJSON(w, http.StatusCreated, img)
}

// HandleListImages returns all non-deleted images.
// Pass ?include_deleted=true to include deleted ones.
func (s *Server) HandleListImages(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	images, err := s.Images.ListImages(r.Context(), includeDeleted)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": images})
}

// HandleGetImage returns a single image by ID.
func (s *Server) HandleGetImage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "imageID")
	if !ok {
		return
	}
	img, err := s.Images.GetImage(r.Context(), id)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

// HandleUpdateImage updates pool size, status, or tags of an image.
func (s *Server) HandleUpdateImage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "imageID")
	if !ok {
		return
	}

	var req UpdateImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	img, err := s.Images.GetImage(r.Context(), id)
	if err != nil {
		domainError(w, err)
		return
	}

	if req.PoolSize != nil {
		if *req.PoolSize < 0 {
			errorJSON(w, "pool_size must not be negative", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		img.PoolSize = *req.PoolSize
	}
	if req.Status != nil {
		if !domain.ValidImageStatus(*req.Status) {
			errorJSON(w, "unknown image status "+*req.Status, "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		img.Status = domain.ImageStatus(*req.Status)
	}
	if req.Tags != nil {
		img.Tags = req.Tags
	}

	if err := s.Images.UpdateImage(r.Context(), img); err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

// HandleDeleteImage marks the image deleted. Existing runners are untouched;
// the pool controller stops replenishing and drains its warm runners.
func (s *Server) HandleDeleteImage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "imageID")
	if !ok {
		return
	}

	img, err := s.Images.GetImage(r.Context(), id)
	if err != nil {
		domainError(w, err)
		return
	}
	img.Status = domain.ImageStatusDeleted
	img.PoolSize = 0
	if err := s.Images.UpdateImage(r.Context(), img); err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"image_id": id.String(),
		"status":   string(domain.ImageStatusDeleted),
	})
}

// HandleListScripts returns the image's lifecycle scripts.
func (s *Server) HandleListScripts(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "imageID")
	if !ok {
		return
	}
	if _, err := s.Images.GetImage(r.Context(), id); err != nil {
		domainError(w, err)
		return
	}
	scripts, err := s.Scripts.ListScripts(r.Context(), id)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scripts": scripts})
}

// scriptEvents is the set of valid lifecycle hook names.
var scriptEvents = map[string]bool{
	string(domain.ScriptOnStartup):        true,
	string(domain.ScriptOnAwaitingClient): true,
	string(domain.ScriptOnTerminate):      true,
}

// HandleUpsertScript creates or replaces the image's script for an event.
func (s *Server) HandleUpsertScript(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "imageID")
	if !ok {
		return
	}
	event := chi.URLParam(r, "event")
	if !scriptEvents[event] {
		errorJSON(w, "event must be one of on_startup, on_awaiting_client, on_terminate", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	var req UpsertScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Body == "" {
		errorJSON(w, "body is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	if _, err := s.Images.GetImage(r.Context(), id); err != nil {
		domainError(w, err)
		return
	}

	sc := &domain.Script{
		ImageID: id,
		Event:   domain.ScriptEvent(event),
		Body:    req.Body,
	}
	if err := s.Scripts.UpsertScript(r.Context(), sc); err != nil {
		internalError(w, "internal error", err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// HandleCreateMachine registers an instance type.
func (s *Server) HandleCreateMachine(w http.ResponseWriter, r *http.Request) {
	var req CreateMachineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.InstanceType == "" {
		errorJSON(w, "instance_type is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	m := &domain.Machine{InstanceType: req.InstanceType, CPU: req.CPU, MemoryMB: req.MemoryMB}
	if err := s.Images.CreateMachine(r.Context(), m); err != nil {
		internalError(w, "internal error", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// HandleListMachines returns all registered instance types.
func (s *Server) HandleListMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := s.Images.ListMachines(r.Context())
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"machines": machines})
}

// HandleCreateConnector registers a cloud account. Credentials are
// encrypted before storage; responses never echo them.
func (s *Server) HandleCreateConnector(w http.ResponseWriter, r *http.Request) {
	var req CreateConnectorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Provider == "" || req.Region == "" || req.AccessKey == "" || req.SecretKey == "" {
		errorJSON(w, "provider, region, access_key, and secret_key are required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	accessKey, secretKey := req.AccessKey, req.SecretKey
	if s.Encryptor != nil {
		var err error
		if accessKey, err = s.Encryptor.Encrypt(req.AccessKey); err != nil {
			internalError(w, "internal error", err)
			return
		}
		if secretKey, err = s.Encryptor.Encrypt(req.SecretKey); err != nil {
			internalError(w, "internal error", err)
			return
		}
	}

	c := &domain.CloudConnector{
		Provider:  req.Provider,
		Region:    req.Region,
		Tag:       req.Tag,
		AccessKey: accessKey,
		SecretKey: secretKey,
	}
	if err := s.Connectors.CreateConnector(r.Context(), c); err != nil {
		internalError(w, "internal error", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// HandleListConnectors returns all cloud connectors (without credentials).
func (s *Server) HandleListConnectors(w http.ResponseWriter, r *http.Request) {
	connectors, err := s.Connectors.ListConnectors(r.Context())
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connectors": connectors})
}

// HandleValidateConnector probes the connector's credentials against the
// provider and reports any missing permissions.
func (s *Server) HandleValidateConnector(w http.ResponseWriter, r *http.Request) {
	if s.Validator == nil {
		errorJSON(w, "account validation is not configured", "UNIMPLEMENTED", http.StatusServiceUnavailable)
		return
	}
	id, ok := parseUUIDParam(w, r, "connectorID")
	if !ok {
		return
	}

	validation, err := s.Validator.ValidateConnector(r.Context(), id)
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, validation)
}
