// Package couchmodel keeps the design documents of CouchDB-style databases in
// sync with the models declared by an application.
//
// # Models and designs
//
// A model declares one or more design documents (views, filters, validation)
// and is either bound to a database or proxied: its documents live in
// per-owner databases whose names are resolved from the instances of an owner
// model. Models are registered in a [model.Registry], in code or from YAML
// files loaded with [model.LoadFile].
//
// # Migrations
//
// Every design carries a digest of its canonical content. A [Migrator]
// compares the declared digest with the stored one for every target database
// and, on a difference, stages the new design under a shadow id
// (_design/<Model>_migration) so its indexes can be built while the old design
// keeps serving. Activation copies the shadow into the live id with a
// conditional write and removes the shadow.
//
//	reg := model.NewRegistry()
//	reg.MustRegister(&model.Model{Name: "Invoice", Database: "billing", ...})
//	st, err := couchhttp.New("http://localhost:5984")
//	...
//	m, err := couchmodel.New(st, reg)
//	...
//	report := m.MigrateAllWithProxies(ctx, true)
//
// Every run returns a [Report] with one outcome per (database, design) unit.
// Failures are isolated per unit and never abort the run.
//
// The [github.com/couchmodel/couchmodel.go/cmd/couchsync] command wraps the
// three entry points for operators.
package couchmodel
