// Package client builds established client channels.
//
// A Builder holds everything needed to open a session: a transport
// factory, the server URI, the identity and credentials, and the modules
// to attach. Modules are listed explicitly as ModuleRegistration values;
// the active ones are attached to every channel before its handshake, so
// they observe the whole session lifecycle.
//
//	b := client.NewBuilder(tcp.NewFactory(nil), uri,
//		client.WithIdentity(envelope.Identity{Name: "alice", Domain: "example.org"}),
//		client.WithAuthentication(envelope.NewPlainAuthentication("s3cret")),
//		client.WithModules(client.ResendRegistration(true)),
//	)
//	ch, err := b.Build(ctx)
//
// A Builder is safe for concurrent use and can build any number of
// channels; the multiplexer uses one as its channel factory.
package client
