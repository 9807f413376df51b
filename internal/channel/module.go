package channel

import (
	"context"

	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Module(
		"channel",
		fx.Provide(NewClient),
		fx.Invoke(func(lc fx.Lifecycle, client *Client) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					return client.Connect(ctx)
				},
				OnStop: func(_ context.Context) error {
					return client.Close()
				},
			})
		}),
	)
}
