// Package server accepts client sessions.
//
// A Server takes transports from its listeners and runs the server side of
// the handshake on each: it negotiates compression and encryption when
// there is more than one choice, authenticates the client with an
// Authenticator, assigns an instance when the client did not ask for one,
// and registers the remote node in a NodeRegistry. Established channels
// are handed to a ChannelHandler. The server answers a client's finishing
// request on its own.
//
//	srv := server.New(node,
//		server.WithListener(tcp.NewListener(":55321", tlsConfig)),
//		server.WithAuthenticator(server.NewPlainAuthenticator(users)),
//		server.WithHandler(server.ChannelHandlerFunc(echo)),
//	)
//	err := srv.Serve(ctx)
package server
