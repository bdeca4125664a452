package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"skiff/api/fault"
	"skiff/api/model"
	"skiff/api/sandbox"
)

const DefaultMongoURI = "mongodb://localhost:27017"

// Mongo runs mongosh inside a MongoDB environment. Collection names are
// passed to db.getCollection as JSON string literals and filters, updates
// and documents must be JSON objects, so user input never becomes script
// code.
type Mongo struct {
	Exec    Execer
	Env     *model.Environment
	URI     string
	Timeout time.Duration
}

// connString points the configured URI at database db, replacing any path
// and keeping the query options. Only mongodb:// and mongodb+srv:// URIs
// with a host are accepted, so the argument can never be read as a flag.
func (m Mongo) connString(db string) (string, error) {
	raw := m.URI
	if raw == "" {
		raw = DefaultMongoURI
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "mongodb" && u.Scheme != "mongodb+srv") || u.Host == "" {
		return "", fault.New(fault.Validation, "mongo", "uri must be mongodb://host[:port] or mongodb+srv://host")
	}
	u.Path = "/" + db
	u.RawPath = ""
	u.Fragment = ""
	return u.String(), nil
}

func (m Mongo) PingArgv() []string {
	return []string{"mongosh", "--quiet", "--eval", "db.runCommand({ping: 1}).ok"}
}

// Eval runs script against database db and decodes JSON output when it can.
func (m Mongo) Eval(ctx context.Context, db, script string) (any, error) {
	if err := ValidateName(db); err != nil {
		return nil, err
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	conn, err := m.connString(db)
	if err != nil {
		return nil, err
	}
	argv := []string{"mongosh", conn, "--quiet", "--eval", script}
	out, err := m.Exec.Exec(ctx, m.Env, argv, sandbox.ExecOptions{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	return decode(out.Stdout), nil
}

func (m Mongo) CreateCollection(ctx context.Context, db, name string) (any, error) {
	lit, err := collectionLiteral(name)
	if err != nil {
		return nil, err
	}
	return m.Eval(ctx, db, fmt.Sprintf("JSON.stringify(db.createCollection(%s))", lit))
}

func (m Mongo) DropCollection(ctx context.Context, db, name string) (any, error) {
	lit, err := collectionLiteral(name)
	if err != nil {
		return nil, err
	}
	return m.Eval(ctx, db, fmt.Sprintf("JSON.stringify(db.getCollection(%s).drop())", lit))
}

func (m Mongo) Find(ctx context.Context, db, coll string, filter json.RawMessage) (any, error) {
	return m.call(ctx, db, coll, "find", "(%s).toArray()", filter)
}

func (m Mongo) FindOne(ctx context.Context, db, coll string, filter json.RawMessage) (any, error) {
	return m.call(ctx, db, coll, "findOne", "(%s)", filter)
}

func (m Mongo) InsertOne(ctx context.Context, db, coll string, doc json.RawMessage) (any, error) {
	return m.call(ctx, db, coll, "insertOne", "(%s)", doc)
}

func (m Mongo) UpdateMany(ctx context.Context, db, coll string, filter, update json.RawMessage) (any, error) {
	return m.call(ctx, db, coll, "updateMany", "(%s, %s)", filter, update)
}

func (m Mongo) DeleteOne(ctx context.Context, db, coll string, filter json.RawMessage) (any, error) {
	return m.call(ctx, db, coll, "deleteOne", "(%s)", filter)
}

func (m Mongo) DropDatabase(ctx context.Context, db string) (any, error) {
	return m.Eval(ctx, db, "JSON.stringify(db.dropDatabase())")
}

func (m Mongo) call(ctx context.Context, db, coll, method, argsFormat string, objs ...json.RawMessage) (any, error) {
	lit, err := collectionLiteral(coll)
	if err != nil {
		return nil, err
	}
	args := make([]any, len(objs))
	for i, o := range objs {
		s, err := objectLiteral(o)
		if err != nil {
			return nil, err
		}
		args[i] = s
	}
	script := fmt.Sprintf("JSON.stringify(db.getCollection(%s).%s"+argsFormat+")", append([]any{lit, method}, args...)...)
	return m.Eval(ctx, db, script)
}

func collectionLiteral(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, 0) || strings.HasPrefix(name, "$") || strings.HasPrefix(name, "system.") {
		return "", fault.Newf(fault.Validation, "mongo", "invalid collection name %q", name)
	}
	b, err := json.Marshal(name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// objectLiteral re-encodes raw as a JSON object. An empty value is {}.
func objectLiteral(raw json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "{}", nil
	}
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return "", fault.Newf(fault.Validation, "mongo", "expected a JSON object, got %s", truncate(string(raw), 80))
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
