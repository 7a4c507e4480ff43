package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"agentmsg/contacts"
	"agentmsg/directory"
	"agentmsg/discovery"
	"agentmsg/store"
)

// defaultMessageLimit caps /messages responses when no limit is given.
const defaultMessageLimit = 50

// API serves the local control endpoints for one agent.
type API struct {
	agent   *Agent
	scanner *discovery.Scanner
	log     zerolog.Logger
}

// NewAPI creates the control API. The scanner is optional; without it
// /lan-peers reports an empty list.
func NewAPI(agent *Agent, scanner *discovery.Scanner, logger zerolog.Logger) *API {
	return &API{agent: agent, scanner: scanner, log: logger}
}

// Router builds the control API routes.
func (api *API) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(api.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/", api.handleStatus)
	r.Get("/status", api.handleStatus)
	r.Post("/send", api.handleSend)
	r.Post("/add-contact", api.handleAddContact)
	r.Get("/contacts", api.handleContacts)
	r.Get("/messages", api.handleMessages)
	r.Post("/disconnect", api.handleDisconnect)
	r.Post("/reconnect", api.handleReconnect)
	r.Post("/register", api.handleRegister)
	r.Get("/directory", api.handleDirectorySearch)
	r.Get("/lan-peers", api.handleLANPeers)

	return r
}

func (api *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			api.log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("latency", time.Since(start)).
				Str("request_id", chimw.GetReqID(r.Context())).
				Msg("request completed")
		}()

		next.ServeHTTP(ww, r)
	})
}

// JSON sends a JSON response with the given status code.
func (api *API) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (api *API) Error(w http.ResponseWriter, status int, message string) {
	api.JSON(w, status, map[string]string{"error": message})
}

func (api *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, err := api.agent.Archive().Count()
	if err != nil {
		api.log.Warn().Err(err).Msg("count archived messages")
	}

	api.JSON(w, http.StatusOK, map[string]any{
		"status":            "running",
		"did":               api.agent.DID(),
		"state":             api.agent.State(),
		"relay_url":         api.agent.cfg.RelayURL,
		"contacts":          api.agent.Contacts().Len(),
		"messages_archived": count,
	})
}

type sendRequest struct {
	To      string `json:"to"`
	ToName  string `json:"to_name"`
	Content string `json:"content"`
}

type suggestion struct {
	Name  string  `json:"name"`
	DID   string  `json:"did"`
	Score float64 `json:"score"`
}

func (api *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		api.Error(w, http.StatusBadRequest, "content is required")
		return
	}

	did, err := api.agent.ResolveRecipient(req.To, req.ToName)
	if err != nil {
		var ambiguous *AmbiguousRecipientError
		if errors.As(err, &ambiguous) {
			suggestions := make([]suggestion, 0, len(ambiguous.Suggestions))
			for _, m := range ambiguous.Suggestions {
				suggestions = append(suggestions, suggestion{Name: m.Name, DID: m.DID, Score: m.Score})
			}
			api.JSON(w, http.StatusMultipleChoices, map[string]any{
				"status":      "ambiguous_name",
				"message":     "no exact match for " + strconv.Quote(req.ToName) + ", did you mean:",
				"suggestions": suggestions,
			})
			return
		}
		if errors.Is(err, ErrNoRecipient) {
			api.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		api.Error(w, http.StatusNotFound, err.Error())
		return
	}

	if err := api.agent.Send(did, req.Content); err != nil {
		switch {
		case errors.Is(err, ErrNotRegistered):
			api.Error(w, http.StatusForbidden, err.Error())
		case errors.Is(err, ErrNotConnected):
			api.Error(w, http.StatusInternalServerError, err.Error())
		default:
			api.Error(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	resp := map[string]string{"status": "sent", "to": did}
	if req.ToName != "" {
		resp["to_name"] = req.ToName
	}
	api.JSON(w, http.StatusOK, resp)
}

type addContactRequest struct {
	DID   string `json:"did"`
	Name  string `json:"name"`
	Notes string `json:"notes"`
}

func (api *API) handleAddContact(w http.ResponseWriter, r *http.Request) {
	var req addContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	contact, err := api.agent.Contacts().Add(req.DID, req.Name, req.Notes)
	if err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	api.JSON(w, http.StatusOK, map[string]any{"status": "added", "contact": contact})
}

func (api *API) handleContacts(w http.ResponseWriter, r *http.Request) {
	list := api.agent.Contacts().List()
	if list == nil {
		list = []contacts.Contact{}
	}
	api.JSON(w, http.StatusOK, map[string]any{"contacts": list, "count": len(list)})
}

func (api *API) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			api.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	from := strings.TrimSpace(r.URL.Query().Get("from"))

	var (
		records []store.Record
		err     error
	)
	if strings.HasPrefix(from, "@") {
		did, rerr := api.agent.Directory().ResolveUsername(from)
		if rerr != nil {
			api.Error(w, http.StatusNotFound, rerr.Error())
			return
		}
		records, err = api.agent.Archive().ListFromSender(limit, did)
	} else {
		records, err = api.agent.Archive().List(limit, from)
	}
	if err != nil {
		api.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []store.Record{}
	}

	api.JSON(w, http.StatusOK, map[string]any{"messages": records, "count": len(records)})
}

func (api *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	api.agent.Disconnect()
	api.JSON(w, http.StatusOK, map[string]any{"status": "disconnected", "state": api.agent.State()})
}

func (api *API) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := api.agent.Reconnect(r.Context()); err != nil {
		api.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{"status": "reconnected", "state": api.agent.State()})
}

type registerRequest struct {
	Username    string   `json:"username"`
	Description string   `json:"description"`
	Purpose     string   `json:"purpose"`
	Tags        []string `json:"tags"`
}

func (api *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := api.agent.Directory().Register(api.agent.id, req.Username, req.Description, req.Purpose, req.Tags)
	if err != nil {
		switch {
		case errors.Is(err, directory.ErrInvalidUsername):
			api.Error(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, directory.ErrUsernameTaken):
			api.Error(w, http.StatusConflict, err.Error())
		default:
			api.Error(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	api.JSON(w, http.StatusOK, map[string]string{"status": "registered", "username": req.Username})
}

func (api *API) handleDirectorySearch(w http.ResponseWriter, r *http.Request) {
	entries, err := api.agent.Directory().Search(r.URL.Query().Get("search"))
	if err != nil {
		api.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []directory.Entry{}
	}
	api.JSON(w, http.StatusOK, map[string]any{"agents": entries, "count": len(entries)})
}

func (api *API) handleLANPeers(w http.ResponseWriter, r *http.Request) {
	peers := []discovery.Peer{}
	if api.scanner != nil {
		peers = api.scanner.ListPeers()
	}
	api.JSON(w, http.StatusOK, map[string]any{"peers": peers, "count": len(peers)})
}
