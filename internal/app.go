package internal

import (
	"context"

	"pdv_terminal/internal/authz"
	"pdv_terminal/internal/channel"
	"pdv_terminal/internal/config"
	"pdv_terminal/internal/logging"
	"pdv_terminal/internal/pdvapi"
	"pdv_terminal/internal/terminal"

	"github.com/go-core-fx/logger"
	"go.uber.org/fx"
)

func modules() fx.Option {
	return fx.Options(
		logger.Module(),
		logger.WithFxDefaultLogger(),
		config.Module(),
		logging.Module(),
		pdvapi.Module(),
		channel.Module(),
		authz.Module(),
		terminal.Module(),
	)
}

func Run() error {
	var runner *terminal.Runner

	app := fx.New(
		modules(),
		fx.Populate(&runner),
	)

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		_ = app.Stop(ctx)
	}()

	return runner.Execute()
}
