package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/tickplane/tickplane/internal/fault"
	"github.com/tickplane/tickplane/internal/geo"
	"github.com/tickplane/tickplane/internal/regclient"
	"github.com/tickplane/tickplane/internal/registry"
)

// registerRequest mirrors POST /register.
type registerRequest struct {
	Name       string            `json:"name"`
	Address    string            `json:"address"`
	Port       int               `json:"port"`
	Protocol   string            `json:"protocol,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Env        string            `json:"env,omitempty"`
	Role       string            `json:"role,omitempty"`
	InstanceID string            `json:"instanceId,omitempty"`
}

// registerResponse mirrors the register success body.
type registerResponse struct {
	InstanceID     string `json:"instanceId"`
	Service        string `json:"service"`
	LeaseExpiresAt string `json:"leaseExpiresAt"`
	TTLMs          int64  `json:"ttl"`
	Token          string `json:"token"`
	Message        string `json:"message"`
}

// instanceView is one instance as returned by the read endpoints.
type instanceView struct {
	ServiceName string            `json:"serviceName"`
	InstanceID  string            `json:"instanceId"`
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	Protocol    string            `json:"protocol"`
	Env         string            `json:"env,omitempty"`
	Role        string            `json:"role,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	TTLMs       int64             `json:"ttl"`
}

func viewOf(inst registry.Instance) instanceView {
	return instanceView{
		ServiceName: inst.ServiceName,
		InstanceID:  inst.InstanceID,
		IP:          inst.IP,
		Port:        inst.Port,
		Protocol:    string(inst.Protocol),
		Env:         inst.Env,
		Role:        inst.Role,
		Metadata:    inst.Metadata,
		TTLMs:       inst.TTL.Milliseconds(),
	}
}

func viewsOf(insts []registry.Instance) []instanceView {
	out := make([]instanceView, 0, len(insts))
	for _, inst := range insts {
		out = append(out, viewOf(inst))
	}
	return out
}

// HandleRegister announces an instance, enriching metadata with the region
// of the announcing address when a geo resolver is configured.
func HandleRegister(store *registry.Store, regions geo.Resolver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}

		inst, token, err := store.Register(registry.Instance{
			ServiceName: req.Name,
			InstanceID:  req.InstanceID,
			IP:          req.Address,
			Port:        req.Port,
			Protocol:    registry.Protocol(req.Protocol),
			Env:         req.Env,
			Role:        req.Role,
			Metadata:    geo.Enrich(regions, req.Metadata, req.Address),
		})
		if err != nil {
			writeFault(w, err)
			return
		}

		log.Printf("[api] registered %s/%s at %s:%d", inst.ServiceName, inst.InstanceID, inst.IP, inst.Port)
		WriteJSON(w, http.StatusOK, registerResponse{
			InstanceID:     inst.InstanceID,
			Service:        inst.ServiceName,
			LeaseExpiresAt: inst.LeaseExpiresAt().UTC().Format(time.RFC3339Nano),
			TTLMs:          inst.TTL.Milliseconds(),
			Token:          token,
			Message:        "registered",
		})
	})
}

// heartbeatRequest mirrors POST /heartbeat.
type heartbeatRequest struct {
	ServiceName string `json:"serviceName"`
	InstanceID  string `json:"instanceId"`
	AuthToken   string `json:"authToken"`
}

// HandleHeartbeat refreshes the lease. The token rotates on every heartbeat;
// the previous value is invalid once the response is written.
func HandleHeartbeat(store *registry.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req heartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.ServiceName == "" || req.InstanceID == "" {
			writeBadRequest(w, "serviceName and instanceId are required")
			return
		}
		// Unknown pairs answer NotFound before any credential check.
		if _, ok := store.Get(req.ServiceName, req.InstanceID); !ok {
			writeFault(w, fault.NotFound("instance %q is not registered under %q", req.InstanceID, req.ServiceName))
			return
		}
		if !store.Tokens().Validate(req.AuthToken, req.InstanceID) {
			writeFault(w, fault.Unauthorized("token does not match instance %q", req.InstanceID))
			return
		}

		ttl, err := store.Heartbeat(req.ServiceName, req.InstanceID)
		if err != nil {
			writeFault(w, err)
			return
		}
		token, err := store.RotateToken(req.InstanceID)
		if err != nil {
			writeFault(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"token":   token,
			"ttl":     ttl.Milliseconds(),
			"message": "lease refreshed",
		})
	})
}

// rotateRequest mirrors POST /registry/token/rotate.
type rotateRequest struct {
	InstanceID string `json:"instanceId"`
}

// HandleRotateToken exchanges the presented token for a fresh one. The
// current token rides in the x-instance-token header or a bearer
// Authorization header.
func HandleRotateToken(store *registry.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rotateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.InstanceID == "" {
			writeBadRequest(w, "instanceId is required")
			return
		}
		if !store.Tokens().Validate(presentedToken(r), req.InstanceID) {
			writeFault(w, fault.InvalidToken("token does not match instance %q", req.InstanceID))
			return
		}

		token, err := store.RotateToken(req.InstanceID)
		if err != nil {
			writeFault(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"token": token})
	})
}

// presentedToken reads the instance token from the x-instance-token header,
// falling back to a bearer Authorization header.
func presentedToken(r *http.Request) string {
	if token := r.Header.Get(regclient.TokenHeader); token != "" {
		return token
	}
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// HandleResolve serves GET /services/{serviceName}: all live instances, or a
// single round-robin pick with ?one=true. Filters role, env, and version
// narrow the single pick.
func HandleResolve(store *registry.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("serviceName")
		q := r.URL.Query()

		if q.Get("one") == "true" {
			inst, err := store.ResolveOne(name, registry.ResolveFilter{
				Role:    q.Get("role"),
				Env:     q.Get("env"),
				Version: q.Get("version"),
			})
			if err != nil {
				writeFault(w, err)
				return
			}
			WriteJSON(w, http.StatusOK, viewOf(inst))
			return
		}

		live, err := store.Resolve(name)
		if err != nil {
			writeFault(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"serviceName": name,
			"instances":   viewsOf(live),
		})
	})
}

// HandleGetInstance serves GET /services/{serviceName}/{instanceId}. Expired
// instances read as absent.
func HandleGetInstance(store *registry.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("serviceName")
		id := r.PathValue("instanceId")

		inst, ok := store.Get(name, id)
		if !ok || inst.Expired(store.Now()) {
			writeFault(w, fault.NotFound("instance %q is not registered under %q", id, name))
			return
		}
		WriteJSON(w, http.StatusOK, viewOf(inst))
	})
}

// HandleDeregister serves DELETE /services/{serviceName}/{instanceId},
// authenticated by the instance's current token.
func HandleDeregister(store *registry.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("serviceName")
		id := r.PathValue("instanceId")

		if !store.Tokens().Validate(presentedToken(r), id) {
			writeFault(w, fault.Unauthorized("token does not match instance %q", id))
			return
		}
		if !store.Remove(name, id) {
			writeFault(w, fault.NotFound("instance %q is not registered under %q", id, name))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// queryRequest mirrors POST /services. ServiceName and Services may be
// combined; the union is queried.
type queryRequest struct {
	ServiceName string            `json:"serviceName,omitempty"`
	Services    []string          `json:"services,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OnlyAlive   *bool             `json:"onlyAlive,omitempty"`
}

// HandleQuery serves the metadata query endpoint. Filter equality is strict.
func HandleQuery(store *registry.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}

		names := req.Services
		if req.ServiceName != "" {
			names = append(names, req.ServiceName)
		}
		onlyAlive := true
		if req.OnlyAlive != nil {
			onlyAlive = *req.OnlyAlive
		}

		matched := store.Query(names, req.Metadata, onlyAlive)
		services := make(map[string][]instanceView, len(matched))
		for name, insts := range matched {
			services[name] = viewsOf(insts)
		}
		WriteJSON(w, http.StatusOK, map[string]any{"services": services})
	})
}

// HandlePing answers the liveness probe.
func HandlePing() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, "pong")
	})
}
