package logging

import (
	"context"
	"os"

	"pdv_terminal/internal/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Options(
		fx.Module(
			"logging",
			fx.Provide(func(cfg config.Config) (*os.File, error) {
				return OpenFile(cfg.LogFile)
			}),
			fx.Invoke(func(lc fx.Lifecycle, file *os.File) {
				if file == nil {
					return
				}
				lc.Append(fx.Hook{
					OnStop: func(_ context.Context) error {
						_ = file.Sync()
						return file.Close()
					},
				})
			}),
		),
		// Decorations only reach the scope they are declared in and its
		// children, so the journal tee lives at the root.
		fx.Decorate(func(base *zap.Logger, cfg config.Config, file *os.File) *zap.Logger {
			return Tee(base, file, Level(cfg.Debug),
				zap.String("pdv_id", cfg.PdvID),
				zap.String("operator_id", cfg.OperatorID),
			)
		}),
	)
}
