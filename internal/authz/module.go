package authz

import (
	"pdv_terminal/internal/channel"
	"pdv_terminal/internal/config"
	"pdv_terminal/internal/pdvapi"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Module() fx.Option {
	return fx.Module(
		"authz",
		fx.Provide(NewBroker),
	)
}

// NewBroker wires the broker to the backend client and the shared
// notification channel.
func NewBroker(cfg config.Config, api *pdvapi.Client, ch *channel.Client, logger *zap.Logger) *Broker {
	return New(api, api, ChannelNotifier{Client: ch}, Session{
		ID:         cfg.SessionID,
		PdvID:      cfg.PdvID,
		OperatorID: cfg.OperatorID,
	}, logger)
}

// ChannelNotifier adapts a channel client to Notifier.
type ChannelNotifier struct {
	Client *channel.Client
}

func (n ChannelNotifier) Subscribe(predicate channel.Predicate, handler channel.Handler) func() {
	return n.Client.Subscribe(predicate, handler).Unsubscribe
}
