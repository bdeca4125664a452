package handler

import (
	"encoding/json"
	"net/http"

	"skiff/api/fault"
	"skiff/api/model"
	"skiff/api/query"
)

type MySQLRequest struct {
	Environment string         `json:"environment"`
	User        string         `json:"user,omitempty"`
	Password    string         `json:"password,omitempty"`
	Database    string         `json:"database,omitempty"`
	Setup       []string       `json:"setup,omitempty"`
	Query       string         `json:"query,omitempty"`
	Expected    any            `json:"expected,omitempty"`
	Timeout     model.Duration `json:"timeout,omitempty"`
}

// QueryMySQL applies setup statements and evaluates a query against a
// running MySQL environment.
func (h *Handler) QueryMySQL(w http.ResponseWriter, r *http.Request) {
	var req MySQLRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Database != "" {
		if err := query.ValidateName(req.Database); err != nil {
			writeError(w, err)
			return
		}
	}
	env, ok := h.envFor(w, r, req.Environment)
	if !ok {
		return
	}
	m := query.MySQL{Exec: h.exec, Env: env, User: req.User, Password: req.Password, Database: req.Database}

	resp := map[string]interface{}{}
	if len(req.Setup) > 0 {
		n, err := m.Setup(r.Context(), req.Setup)
		resp["setupApplied"] = n
		if err != nil {
			resp["error"] = err.Error()
			writeStatus(w, statusFor(fault.KindOf(err)), resp)
			return
		}
	}
	if req.Query != "" {
		resp["evaluation"] = m.Evaluate(r.Context(), req.Query, req.Expected, req.Timeout.D())
	}
	writeJSON(w, resp)
}

type MongoRequest struct {
	Environment string          `json:"environment"`
	URI         string          `json:"uri,omitempty"`
	Database    string          `json:"database"`
	Op          string          `json:"op"`
	Collection  string          `json:"collection,omitempty"`
	Filter      json.RawMessage `json:"filter,omitempty"`
	Document    json.RawMessage `json:"document,omitempty"`
	Update      json.RawMessage `json:"update,omitempty"`
	Script      string          `json:"script,omitempty"`
	Timeout     model.Duration  `json:"timeout,omitempty"`
}

// QueryMongo runs one collection operation through mongosh inside the
// environment.
func (h *Handler) QueryMongo(w http.ResponseWriter, r *http.Request) {
	var req MongoRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if err := query.ValidateName(req.Database); err != nil {
		writeError(w, err)
		return
	}
	env, ok := h.envFor(w, r, req.Environment)
	if !ok {
		return
	}
	m := query.Mongo{Exec: h.exec, Env: env, URI: req.URI, Timeout: req.Timeout.D()}
	ctx := r.Context()

	var result any
	var err error
	switch req.Op {
	case "eval":
		result, err = m.Eval(ctx, req.Database, req.Script)
	case "createCollection":
		result, err = m.CreateCollection(ctx, req.Database, req.Collection)
	case "dropCollection":
		result, err = m.DropCollection(ctx, req.Database, req.Collection)
	case "find":
		result, err = m.Find(ctx, req.Database, req.Collection, orEmpty(req.Filter))
	case "findOne":
		result, err = m.FindOne(ctx, req.Database, req.Collection, orEmpty(req.Filter))
	case "insertOne":
		result, err = m.InsertOne(ctx, req.Database, req.Collection, req.Document)
	case "updateMany":
		result, err = m.UpdateMany(ctx, req.Database, req.Collection, orEmpty(req.Filter), req.Update)
	case "deleteOne":
		result, err = m.DeleteOne(ctx, req.Database, req.Collection, orEmpty(req.Filter))
	case "dropDatabase":
		result, err = m.DropDatabase(ctx, req.Database)
	default:
		badRequest(w, "unknown op "+req.Op)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"result": result})
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func (h *Handler) envFor(w http.ResponseWriter, r *http.Request, ref string) (*model.Environment, bool) {
	if ref == "" || !validIDRe.MatchString(ref) {
		badRequest(w, "environment is required")
		return nil, false
	}
	found, err := h.lookupEnv(r.Context(), ref)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if found == nil {
		notFound(w, "environment not found")
		return nil, false
	}
	return found.env, true
}
