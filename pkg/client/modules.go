package client

import (
	"context"
	"fmt"

	"github.com/getmockd/lime/pkg/channel"
	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/resend"
)

// Category tells which pipeline a registered module joins.
type Category string

// Module categories. CategoryChannel modules attach themselves to any
// pipelines they need.
const (
	CategoryMessage      Category = "message"
	CategoryNotification Category = "notification"
	CategoryCommand      Category = "command"
	CategoryChannel      Category = "channel"
)

// ModuleRegistration describes a module that can be attached to built
// channels.
type ModuleRegistration struct {
	Name          string
	Category      Category
	DefaultActive bool

	// Attach creates a module instance for ch and adds it to ch.
	Attach func(ctx context.Context, ch *channel.Channel) error
}

// MessageModule registers a message module created by factory for each
// channel.
func MessageModule(name string, active bool, factory func(*channel.Channel) channel.Module[*envelope.Message]) ModuleRegistration {
	return ModuleRegistration{
		Name:          name,
		Category:      CategoryMessage,
		DefaultActive: active,
		Attach: func(_ context.Context, ch *channel.Channel) error {
			ch.MessageModules().Add(factory(ch))
			return nil
		},
	}
}

// NotificationModule registers a notification module created by factory
// for each channel.
func NotificationModule(name string, active bool, factory func(*channel.Channel) channel.Module[*envelope.Notification]) ModuleRegistration {
	return ModuleRegistration{
		Name:          name,
		Category:      CategoryNotification,
		DefaultActive: active,
		Attach: func(_ context.Context, ch *channel.Channel) error {
			ch.NotificationModules().Add(factory(ch))
			return nil
		},
	}
}

// CommandModule registers a command module created by factory for each
// channel.
func CommandModule(name string, active bool, factory func(*channel.Channel) channel.Module[*envelope.Command]) ModuleRegistration {
	return ModuleRegistration{
		Name:          name,
		Category:      CategoryCommand,
		DefaultActive: active,
		Attach: func(_ context.Context, ch *channel.Channel) error {
			ch.CommandModules().Add(factory(ch))
			return nil
		},
	}
}

// ResendModuleName is the name of the registration returned by
// ResendRegistration.
const ResendModuleName = "resend"

// ResendRegistration registers a resend module per channel. The module
// unbinds when the channel is torn down. Every channel built from the
// registration shares one storage, a MemoryStorage unless opts set
// another, so a replacement channel picks up the entries of the channel
// it replaces.
func ResendRegistration(active bool, opts ...resend.Option) ModuleRegistration {
	opts = append([]resend.Option{resend.WithStorage(resend.NewMemoryStorage())}, opts...)
	return ModuleRegistration{
		Name:          ResendModuleName,
		Category:      CategoryChannel,
		DefaultActive: active,
		Attach: func(_ context.Context, ch *channel.Channel) error {
			m := resend.New(opts...)
			if err := m.Bind(ch, true); err != nil {
				return fmt.Errorf("binding resend module: %w", err)
			}
			go func() {
				<-ch.Done()
				_ = m.Close()
			}()
			return nil
		},
	}
}
