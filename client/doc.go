// package client
//
// The client package exposes a local service through a backhaul relay server.
// A Client dials out to the relay, authenticates on a control connection and
// then waits for the relay to request tunnels. Each tunnel is paired with a new
// connection to the local target and bytes are relayed between the two until
// either side closes.
//
// Listen serves tunnels in process instead: it returns a net.Listener whose
// connections are the server side of each tunnel, ready for http.Serve.
//
// A Client is single use: Transport or Listen may be called once. Run wraps repeated
// clients with exponential backoff for long running processes.
//
// # Example
//
//	package main
//
//	import (
//	    "context"
//
//	    "go.flipt.io/backhaul/client"
//	)
//
//	func main() {
//	    c, err := client.New(client.Options{
//	        ServerURI:     "https://relay.example.com/backhaul",
//	        TargetURI:     "http://localhost:8080",
//	        Authenticator: client.BearerAuthenticator("some-token"),
//	    })
//	    if err != nil {
//	        panic(err)
//	    }
//
//	    defer c.Close()
//
//	    _ = c.Transport(context.Background())
//	}
package client
