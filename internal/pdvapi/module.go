package pdvapi

import "go.uber.org/fx"

func Module() fx.Option {
	return fx.Module(
		"pdvapi",
		fx.Provide(NewClient),
	)
}
