// Package config loads the YAML configuration of lime nodes.
//
// Values may reference the environment as ${VAR} or ${VAR:-default}.
// Durations are written as Go duration strings ("5s", "1m30s").
//
//	cfg, err := config.LoadFile("lime.yaml")
//	if err != nil {
//		return err
//	}
//	ch := channel.NewClient(t, cfg.Channel.Options()...)
package config
