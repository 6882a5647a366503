package modules

import (
	"github.com/loadforge/loadforge/modules/loadtest"
	"github.com/loadforge/loadforge/pkg/application"
)

var BuiltInModules = []application.Module{
	loadtest.NewModule(nil),
}

func Load(app application.Application, externalModules ...application.Module) error {
	for _, module := range externalModules {
		if err := module.Register(app); err != nil {
			return err
		}
	}
	return nil
}
