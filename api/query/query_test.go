package query

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"skiff/api/fault"
	"skiff/api/model"
	"skiff/api/sandbox"
)

type scriptedExec struct {
	argv   [][]string
	stdout string
	stderr string
	err    error
}

func (s *scriptedExec) Exec(ctx context.Context, env *model.Environment, argv []string, opts sandbox.ExecOptions) (sandbox.Output, error) {
	s.argv = append(s.argv, argv)
	return sandbox.Output{Stdout: s.stdout, Stderr: s.stderr}, s.err
}

func TestMySQLArgv(t *testing.T) {
	m := MySQL{}
	got := strings.Join(m.EvalArgv("SELECT name FROM users; DROP TABLE users"), "|")
	want := "mysql|-u|evaluator|-pevaluatorpass|contest_db|--batch|--raw|--skip-column-names|-e|SELECT name FROM users; DROP TABLE users"
	if got != want {
		t.Errorf("EvalArgv =\n%s\nwant\n%s", got, want)
	}
	if got := strings.Join(m.PingArgv(), " "); got != "mysql -u evaluator -pevaluatorpass -e SELECT 1" {
		t.Errorf("PingArgv = %s", got)
	}
}

func TestEvaluateTextRowsOrderInsensitive(t *testing.T) {
	ex := &scriptedExec{stdout: "bob\t31\nalice\t30\n"}
	m := MySQL{Exec: ex, Env: &model.Environment{ID: "db"}}
	var expected any
	json.Unmarshal([]byte(`[["alice", 30], ["bob", 31]]`), &expected)

	ev := m.Evaluate(context.Background(), "SELECT name, age FROM users", expected, time.Second)
	if ev.Status != StatusSuccess {
		t.Fatalf("status = %s (%s)", ev.Status, ev.Error)
	}
	if !ev.Correct || ev.Comparison == nil || !ev.Comparison.Match {
		t.Errorf("expected a match, got %+v", ev)
	}
	if len(ev.Rows) != 2 || ev.Rows[0][0] != "bob" {
		t.Errorf("rows = %v", ev.Rows)
	}
}

func TestEvaluateJSONResult(t *testing.T) {
	ex := &scriptedExec{stdout: `[{"id":2},{"id":1}]`}
	m := MySQL{Exec: ex, Env: &model.Environment{ID: "db"}}
	var expected any
	json.Unmarshal([]byte(`[{"id":1},{"id":2}]`), &expected)
	if ev := m.Evaluate(context.Background(), "SELECT JSON_ARRAYAGG(...)", expected, 0); !ev.Correct {
		t.Errorf("json results should match ignoring order: %+v", ev)
	}
	json.Unmarshal([]byte(`[{"id":1}]`), &expected)
	if ev := m.Evaluate(context.Background(), "q", expected, 0); ev.Correct {
		t.Error("different lengths should not match")
	}
}

func TestEvaluateNoExpectation(t *testing.T) {
	m := MySQL{Exec: &scriptedExec{stdout: ""}, Env: &model.Environment{ID: "db"}}
	ev := m.Evaluate(context.Background(), "UPDATE t SET x = 1", nil, 0)
	if ev.Status != StatusSuccess || !ev.Correct || ev.Comparison != nil {
		t.Errorf("ev = %+v", ev)
	}
}

func TestEvaluateErrorAndTimeout(t *testing.T) {
	m := MySQL{Exec: &scriptedExec{
		stderr: "ERROR 1146 (42S02): Table 'contest_db.nope' doesn't exist",
		err:    fault.New(fault.Execution, "mysql", "exit status 1"),
	}, Env: &model.Environment{ID: "db"}}
	ev := m.Evaluate(context.Background(), "SELECT * FROM nope", nil, 0)
	if ev.Status != StatusError || ev.Correct || !strings.Contains(ev.Error, "1146") {
		t.Errorf("ev = %+v", ev)
	}

	m.Exec = &scriptedExec{err: fault.New(fault.TimedOut, "mysql", "timed out")}
	ev = m.Evaluate(context.Background(), "SELECT SLEEP(60)", nil, 2*time.Second)
	if ev.Status != StatusTimeout || !strings.Contains(ev.Error, "2s") {
		t.Errorf("ev = %+v", ev)
	}
}

func TestSetupStopsAtFirstFailure(t *testing.T) {
	ex := &scriptedExec{}
	m := MySQL{Exec: ex, Env: &model.Environment{ID: "db"}}
	n, err := m.Setup(context.Background(), []string{"CREATE TABLE a (id INT)", "INSERT INTO a VALUES (1)"})
	if err != nil || n != 2 {
		t.Fatalf("Setup = %d, %v", n, err)
	}
	if got := ex.argv[1][len(ex.argv[1])-1]; got != "INSERT INTO a VALUES (1)" {
		t.Errorf("query argv = %q", got)
	}

	ex.err = fault.New(fault.Execution, "mysql", "exit status 1")
	if n, err := m.Setup(context.Background(), []string{"bad", "never"}); err == nil || n != 0 {
		t.Errorf("Setup = %d, %v; want failure at first query", n, err)
	}
	m.Database = "x; DROP"
	if _, err := m.Setup(context.Background(), nil); !fault.Is(err, fault.Validation) {
		t.Errorf("bad database name: %v", err)
	}
}

func TestMongoScripts(t *testing.T) {
	ex := &scriptedExec{stdout: `[{"_id":"1","name":"test"}]`}
	m := Mongo{Exec: ex, Env: &model.Environment{ID: "mongo"}}

	res, err := m.Find(context.Background(), "contest", `users"); db.dropDatabase(); ("`, json.RawMessage(`{"age": {"$gt": 30}}`))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if list, ok := res.([]any); !ok || len(list) != 1 {
		t.Errorf("result = %#v", res)
	}
	argv := ex.argv[0]
	if argv[1] != "mongodb://localhost:27017/contest" {
		t.Errorf("uri = %s", argv[1])
	}
	script := argv[len(argv)-1]
	want := `JSON.stringify(db.getCollection("users\"); db.dropDatabase(); (\"").find({"age":{"$gt":30}}).toArray())`
	if script != want {
		t.Errorf("script =\n%s\nwant\n%s", script, want)
	}

	if _, err := m.UpdateMany(context.Background(), "contest", "users", json.RawMessage(`{}`), json.RawMessage(`{"$set":{"a":1}}`)); err != nil {
		t.Fatal(err)
	}
	if s := ex.argv[1][len(ex.argv[1])-1]; s != `JSON.stringify(db.getCollection("users").updateMany({}, {"$set":{"a":1}}))` {
		t.Errorf("update script = %s", s)
	}
}

func TestMongoRejectsNonObjects(t *testing.T) {
	m := Mongo{Exec: &scriptedExec{}, Env: &model.Environment{ID: "mongo"}}
	bad := []json.RawMessage{
		json.RawMessage(`process.exit(1)`),
		json.RawMessage(`[1,2]`),
		json.RawMessage(`null`),
	}
	for _, b := range bad {
		if _, err := m.InsertOne(context.Background(), "db", "c", b); !fault.Is(err, fault.Validation) {
			t.Errorf("InsertOne(%s) = %v, want validation error", b, err)
		}
	}
	if _, err := m.CreateCollection(context.Background(), "db", "$cmd"); !fault.Is(err, fault.Validation) {
		t.Error("$-prefixed collection accepted")
	}
	if _, err := m.DropDatabase(context.Background(), "../admin"); !fault.Is(err, fault.Validation) {
		t.Error("bad database name accepted")
	}
}

func TestMongoConnString(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"", "mongodb://localhost:27017/contest"},
		{"mongodb://localhost:27017/", "mongodb://localhost:27017/contest"},
		{"mongodb://root:secret@db:27017/admin?authSource=admin", "mongodb://root:secret@db:27017/contest?authSource=admin"},
		{"mongodb+srv://cluster.example.net/?retryWrites=true&w=majority", "mongodb+srv://cluster.example.net/contest?retryWrites=true&w=majority"},
	}
	for _, tt := range tests {
		got, err := Mongo{URI: tt.uri}.connString("contest")
		if err != nil {
			t.Errorf("connString(%q): %v", tt.uri, err)
			continue
		}
		if got != tt.want {
			t.Errorf("connString(%q) = %q, want %q", tt.uri, got, tt.want)
		}
	}

	for _, bad := range []string{"--eval=process.exit(1)", "-h", "http://localhost:27017", "localhost:27017", "mongodb://", "mongodb:///tmp/sock"} {
		ex := &scriptedExec{}
		m := Mongo{Exec: ex, Env: &model.Environment{ID: "mongo"}, URI: bad}
		if _, err := m.DropDatabase(context.Background(), "contest"); !fault.Is(err, fault.Validation) {
			t.Errorf("uri %q: err = %v, want validation error", bad, err)
		}
		if len(ex.argv) != 0 {
			t.Errorf("uri %q reached the environment", bad)
		}
	}
}

func TestDecode(t *testing.T) {
	if v, ok := decode("  \n").([]any); !ok || len(v) != 0 {
		t.Errorf("empty output = %#v", v)
	}
	if v := decode("1\n"); v != float64(1) {
		t.Errorf("number = %#v", v)
	}
	if v := decode("not json"); v != "not json" {
		t.Errorf("text = %#v", v)
	}
}

func TestEvaluateSingleScalar(t *testing.T) {
	m := MySQL{Exec: &scriptedExec{stdout: "42\n"}, Env: &model.Environment{ID: "db"}}
	var expected any
	json.Unmarshal([]byte(`[[42]]`), &expected)
	if ev := m.Evaluate(context.Background(), "SELECT COUNT(*) FROM t", expected, 0); !ev.Correct {
		t.Errorf("scalar row should match: %+v", ev)
	}
}
