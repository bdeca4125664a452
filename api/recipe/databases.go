package recipe

import (
	"fmt"
	"time"

	"skiff/api/model"
	"skiff/api/query"
)

const mysqlRootPassword = "rootpassword"

// MySQL starts a MySQL server with the evaluator account, waits until the
// account can log in and runs the setup statements in order.
func MySQL(o Options) (*model.Workflow, error) {
	db := o.Database
	if db == "" {
		db = query.DefaultMySQLDatabase
	}
	if err := query.ValidateName(db); err != nil {
		return nil, err
	}
	env := map[string]string{
		"MYSQL_ROOT_PASSWORD": mysqlRootPassword,
		"MYSQL_DATABASE":      db,
		"MYSQL_USER":          query.DefaultMySQLUser,
		"MYSQL_PASSWORD":      query.DefaultMySQLPassword,
	}
	for k, v := range o.Env {
		env[k] = v
	}
	m := query.MySQL{User: query.DefaultMySQLUser, Password: query.DefaultMySQLPassword, Database: db}
	steps := []model.Step{{
		Name:    "ready",
		Command: m.PingArgv(),
		WaitFor: &model.Gate{
			Command:  m.PingArgv(),
			Timeout:  model.Duration(query.DefaultMySQLReadyTimeout),
			Interval: model.Duration(2 * time.Second),
		},
		Timeout: model.Duration(10 * time.Second),
	}}
	for i, q := range o.SetupQueries {
		steps = append(steps, model.Step{
			Name:    fmt.Sprintf("setup-%d", i+1),
			Command: m.Argv(q),
			Timeout: model.Duration(60 * time.Second),
		})
	}
	return &model.Workflow{
		Name: "mysql",
		Descriptor: model.Descriptor{
			BaseImage:   o.image("mysql:8.4"),
			ExposedPort: o.port(3306),
			HostPort:    o.HostPort,
			Family:      model.FamilyMySQL,
			Env:         env,
		},
		Steps:           steps,
		KeepEnvironment: o.Keep,
	}, nil
}

// Mongo starts a MongoDB server and waits for it to answer a ping.
func Mongo(o Options) (*model.Workflow, error) {
	m := query.Mongo{}
	return &model.Workflow{
		Name: "mongo",
		Descriptor: model.Descriptor{
			BaseImage:   o.image("mongo:7"),
			ExposedPort: o.port(27017),
			HostPort:    o.HostPort,
			Family:      model.FamilyMongo,
			Env:         o.Env,
		},
		Steps: []model.Step{{
			Name:    "ready",
			Command: m.PingArgv(),
			WaitFor: &model.Gate{
				Command:  m.PingArgv(),
				Timeout:  model.Duration(60 * time.Second),
				Interval: model.Duration(2 * time.Second),
			},
			Timeout: model.Duration(10 * time.Second),
		}},
		KeepEnvironment: o.Keep,
	}, nil
}
