package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hanoiboard/go/internal/models"
)

// maxBodySize bounds request bodies
const maxBodySize = 1 << 20

// Instances is the instance store used by the handlers. *instance.App implements it.
type Instances interface {
	GetData(ctx context.Context, name string) (models.HanoiData, error)
	GetActiveData(ctx context.Context) (models.HanoiData, error)
	CreateInstance(ctx context.Context, name string) (bool, error)
	DeleteInstance(ctx context.Context, name string) error
	CloneInstance(ctx context.Context, from, to string) error
	ImportInstance(ctx context.Context, name string, inst models.Instance, overwrite bool) error
	ExportInstance(ctx context.Context, name string) (models.Instance, error)
	SetConfig(ctx context.Context, patch models.ConfigPatch) (models.Config, error)
	CreateToken(ctx context.Context, value string, expiresAt int64) error
	ModifyToken(ctx context.Context, value string, expiresAt int64) error
	DeleteToken(ctx context.Context, value string) error
	ListTokens(ctx context.Context) (map[string]int64, error)
	Ping(ctx context.Context) error
}

// Gateway pushes changes to connected clients. *gateway.ConnectionManager implements it.
type Gateway interface {
	PublishData(ctx context.Context, data models.HanoiData) (models.HanoiData, error)
	SwitchInstance(ctx context.Context, name string) (bool, error)
	UpdateConfig(ctx context.Context, cfg models.Config) error
	InstancesChanged(ctx context.Context) error
}

// Handler serves the admin and data API
type Handler struct {
	instances Instances
	gateway   Gateway
}

func NewHandler(instances Instances, gateway Gateway) *Handler {
	return &Handler{
		instances: instances,
		gateway:   gateway,
	}
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodySize))
}

// decodeBody decodes a JSON object into v. It replies 400 and returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	raw, err := readBody(r)
	if err != nil || json.Unmarshal(raw, v) != nil {
		badRequest(w, msgInvalidBody)
		return false
	}
	return true
}

// notifyInstances tells the admin about instance changes. The change already happened,
// so failures are only logged.
func (h *Handler) notifyInstances(ctx context.Context) {
	if err := h.gateway.InstancesChanged(ctx); err != nil {
		log.Error().Err(err).Msg("failed to notify admin about instances")
	}
}

// GetData returns the leaderboards of ?name= or of the active instance
func (h *Handler) GetData(w http.ResponseWriter, r *http.Request) {
	var (
		data models.HanoiData
		err  error
	)
	if name := r.URL.Query().Get("name"); name != "" {
		data, err = h.instances.GetData(r.Context(), name)
	} else {
		data, err = h.instances.GetActiveData(r.Context())
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, data)
}

// PostData replaces the active leaderboards and broadcasts them
func (h *Handler) PostData(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		badRequest(w, msgInvalidBody)
		return
	}
	data, err := models.ParseHanoiData(raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.gateway.PublishData(r.Context(), data); err != nil {
		writeError(w, r, err)
		return
	}
	writeDone(w)
}

type nameRequest struct {
	Name *string `json:"name"`
}

func (h *Handler) CreateInstance(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !decodeName(w, r, &req) {
		return
	}
	if *req.Name == "" {
		badRequest(w, "String is empty.")
		return
	}

	created, err := h.instances.CreateInstance(r.Context(), *req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !created {
		badRequest(w, "Name is already in use.")
		return
	}
	h.notifyInstances(r.Context())
	writeDone(w)
}

// SwitchInstance activates an instance. Unknown names are a no-op.
func (h *Handler) SwitchInstance(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !decodeName(w, r, &req) {
		return
	}
	switched, err := h.gateway.SwitchInstance(r.Context(), *req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !switched {
		h.notifyInstances(r.Context())
	}
	writeDone(w)
}

func (h *Handler) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !decodeName(w, r, &req) {
		return
	}
	if err := h.instances.DeleteInstance(r.Context(), *req.Name); err != nil {
		writeError(w, r, err)
		return
	}
	h.notifyInstances(r.Context())
	writeDone(w)
}

type cloneRequest struct {
	From *string `json:"from"`
	To   *string `json:"to"`
}

func (h *Handler) CloneInstance(w http.ResponseWriter, r *http.Request) {
	var req cloneRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.From == nil || req.To == nil {
		badRequest(w, msgInvalidBody)
		return
	}
	if err := h.instances.CloneInstance(r.Context(), *req.From, *req.To); err != nil {
		writeError(w, r, err)
		return
	}
	h.notifyInstances(r.Context())
	writeDone(w)
}

type importRequest struct {
	Name      *string              `json:"name"`
	Meta      *models.InstanceMeta `json:"meta"`
	Data      json.RawMessage      `json:"data"`
	Overwrite bool                 `json:"overwrite"`
}

// ImportInstance writes a whole instance, as produced by ExportInstance
func (h *Handler) ImportInstance(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == nil || len(req.Data) == 0 {
		badRequest(w, msgInvalidBody)
		return
	}
	data, err := models.ParseHanoiData(req.Data)
	if err != nil {
		writeError(w, r, err)
		return
	}

	inst := models.Instance{Meta: models.DefaultMeta(), Data: data}
	if req.Meta != nil {
		inst.Meta = *req.Meta
	}
	if err := h.instances.ImportInstance(r.Context(), *req.Name, inst, req.Overwrite); err != nil {
		writeError(w, r, err)
		return
	}
	h.notifyInstances(r.Context())
	writeDone(w)
}

func (h *Handler) ExportInstance(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		badRequest(w, "String is empty.")
		return
	}
	inst, err := h.instances.ExportInstance(r.Context(), name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, inst)
}

// UpdateConfig merges the known fields of the body into the config
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		badRequest(w, msgInvalidBody)
		return
	}
	patch, err := models.ParseConfigPatch(raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cfg, err := h.instances.SetConfig(r.Context(), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.gateway.UpdateConfig(r.Context(), cfg); err != nil {
		writeError(w, r, err)
		return
	}
	writeDone(w)
}

type tokenRequest struct {
	Token    *string  `json:"token"`
	ExpireIn *float64 `json:"expireIn"`
}

// decodeToken reads a token request. withExpiry requires expireIn as well.
func decodeToken(w http.ResponseWriter, r *http.Request, withExpiry bool) (string, int64, bool) {
	raw, err := readBody(r)
	if err != nil {
		badRequest(w, msgInvalidBody)
		return "", 0, false
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &fields) != nil {
		badRequest(w, msgInvalidBody)
		return "", 0, false
	}

	var req tokenRequest
	if json.Unmarshal(fields["token"], &req.Token) != nil || req.Token == nil {
		badRequest(w, "Invalid token name.")
		return "", 0, false
	}
	if !withExpiry {
		return *req.Token, 0, true
	}
	if json.Unmarshal(fields["expireIn"], &req.ExpireIn) != nil || req.ExpireIn == nil {
		badRequest(w, "Invalid expiry.")
		return "", 0, false
	}
	return *req.Token, int64(*req.ExpireIn), true
}

func (h *Handler) CreateToken(w http.ResponseWriter, r *http.Request) {
	token, expiresAt, ok := decodeToken(w, r, true)
	if !ok {
		return
	}
	if err := h.instances.CreateToken(r.Context(), token, expiresAt); err != nil {
		writeError(w, r, err)
		return
	}
	writeDone(w)
}

func (h *Handler) ModifyToken(w http.ResponseWriter, r *http.Request) {
	token, expiresAt, ok := decodeToken(w, r, true)
	if !ok {
		return
	}
	if err := h.instances.ModifyToken(r.Context(), token, expiresAt); err != nil {
		writeError(w, r, err)
		return
	}
	writeDone(w)
}

func (h *Handler) DeleteToken(w http.ResponseWriter, r *http.Request) {
	token, _, ok := decodeToken(w, r, false)
	if !ok {
		return
	}
	if err := h.instances.DeleteToken(r.Context(), token); err != nil {
		writeError(w, r, err)
		return
	}
	writeDone(w)
}

func (h *Handler) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.instances.ListTokens(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, tokens)
}

func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	writeDone(w)
}

// Health checks that the instance store answers
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.instances.Ping(r.Context()); err != nil {
		log.Error().Err(err).Msg("health check failed")
		writeText(w, http.StatusServiceUnavailable, "Unavailable")
		return
	}
	writeText(w, http.StatusOK, "OK")
}

func decodeName(w http.ResponseWriter, r *http.Request, req *nameRequest) bool {
	if !decodeBody(w, r, req) {
		return false
	}
	if req.Name == nil {
		badRequest(w, msgInvalidBody)
		return false
	}
	return true
}
