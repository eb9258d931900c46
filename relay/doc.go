// Package relay implements the HTTP client for the message relay service.
//
// The relay stores and forwards encrypted welcomes, application messages,
// and published key packages without access to plaintext. This package
// wraps the relay's JSON API and classifies transport failures into the
// error taxonomy consumed by the rest of the client (ErrNetwork,
// ErrNotAvailableYet, ErrForbidden, ErrServerRejected).
//
// Example:
//
//	client := relay.NewClient("https://relay.example.com", "auth-token")
//	grant, err := client.StartLinking(ctx, deviceID, "laptop")
//	if err != nil {
//	    log.Fatal(err)
//	}
package relay
