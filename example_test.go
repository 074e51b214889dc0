package couchmodel_test

import (
	"context"
	"fmt"

	"github.com/couchmodel/couchmodel.go"
	"github.com/couchmodel/couchmodel.go/internal/testenv"
	"github.com/couchmodel/couchmodel.go/pkg/design"
	"github.com/couchmodel/couchmodel.go/pkg/logger"
	"github.com/couchmodel/couchmodel.go/pkg/model"
	"github.com/couchmodel/couchmodel.go/pkg/store/memstore"
)

func ExampleMigrator_MigrateAll() {
	reg := model.NewRegistry()
	reg.MustRegister(&model.Model{
		Name:     "Invoice",
		Database: "billing",
		Designs: []design.Declaration{{
			Views: map[string]design.View{"by_number": design.ByFields("type", "Invoice", "number")},
		}},
	})

	log := logger.New(testenv.NewLogHandler(
		testenv.WithIgnoreDebug(),
		testenv.WithIgnoreKeys("run", "digest", "elapsed"),
	))
	m, err := couchmodel.New(memstore.New(), reg, couchmodel.WithLogger(log))
	if err != nil {
		panic(err)
	}

	for range 2 {
		r := m.MigrateAll(context.Background(), true)
		for _, o := range r.Outcomes {
			fmt.Println(o.Target, o)
		}
	}

	// Output:
	// [0] INFO: run started op=migrate, workers=1
	// [1] INFO: design created database=billing, design=_design/Invoice
	// [2] INFO: run finished op=migrate, units=1, failed=0
	// billing/_design/Invoice created
	// [3] INFO: run started op=migrate, workers=1
	// [4] INFO: run finished op=migrate, units=1, failed=0
	// billing/_design/Invoice unchanged
}
